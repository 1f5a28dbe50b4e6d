package roster

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Entity is one selectable character. Snapshots of it are stored with every
// ban and pick, so history stays renderable if the catalog changes later.
type Entity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"imageRef"`
}

type Catalog struct {
	entities []Entity
	byID     map[string]int
}

func NewCatalog(entities []Entity) (*Catalog, error) {
	c := &Catalog{
		entities: make([]Entity, 0, len(entities)),
		byID:     make(map[string]int, len(entities)),
	}
	for _, e := range entities {
		if strings.TrimSpace(e.ID) == "" {
			return nil, errors.Newf("entity %q has an empty id", e.Name)
		}
		if _, dup := c.byID[e.ID]; dup {
			return nil, errors.Newf("duplicate entity id %q", e.ID)
		}
		c.byID[e.ID] = len(c.entities)
		c.entities = append(c.entities, e)
	}
	return c, nil
}

// All returns the entities in catalog order.
func (c *Catalog) All() []Entity {
	return append([]Entity(nil), c.entities...)
}

func (c *Catalog) Lookup(id string) (Entity, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Entity{}, false
	}
	return c.entities[i], true
}

func (c *Catalog) Len() int { return len(c.entities) }

var defaultIDs = []string{
	"butcher", "grinder", "hawk", "ivan",
	"jake", "kat", "olaf", "rage",
	"rash", "roadkill", "slash", "snake",
	"tarquin", "vinnie", "violet", "viper",
}

// Default is the built-in 16 character roster.
func Default() *Catalog {
	entities := make([]Entity, 0, len(defaultIDs))
	for _, id := range defaultIDs {
		entities = append(entities, Entity{
			ID:    id,
			Name:  strings.ToUpper(id[:1]) + id[1:],
			Image: "/images/" + id + ".jpg",
		})
	}
	c, err := NewCatalog(entities)
	if err != nil {
		panic(err)
	}
	return c
}
