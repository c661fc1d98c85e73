package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"parkguide/go-proximity-server/internal/model"
)

//go:embed park.yaml
var defaultCatalog []byte

// KeyPolicy selects which beacon identifiers key the lookup table.
type KeyPolicy string

const (
	// KeyByMinor keys places by beacon minor alone, as the deployed app does.
	KeyByMinor KeyPolicy = "minor"
	// KeyByFull keys places by the complete (uuid, major, minor) triple.
	KeyByFull KeyPolicy = "full"
)

var (
	// ErrDuplicateKey indicates two places share a lookup key under the active policy.
	ErrDuplicateKey = errors.New("duplicate beacon key")

	// ErrUnknownPolicy indicates an unsupported key policy.
	ErrUnknownPolicy = errors.New("unknown key policy")
)

// ParsePolicy maps a configuration string to a KeyPolicy.
func ParsePolicy(s string) (KeyPolicy, error) {
	switch KeyPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", KeyByMinor:
		return KeyByMinor, nil
	case KeyByFull:
		return KeyByFull, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownPolicy, s)
	}
}

// Park describes the area the catalog covers.
type Park struct {
	Name   string       `json:"name" yaml:"name"`
	Bounds model.Bounds `json:"bounds" yaml:"bounds"`
}

type document struct {
	Park   Park        `yaml:"park"`
	Places []model.POI `yaml:"places"`
}

// Catalog is the immutable set of places and the beacon lookup table built over them.
type Catalog struct {
	park   Park
	places []model.POI
	byID   map[string]int
	lookup map[string]int
	policy KeyPolicy
}

// Default returns the catalog compiled into the binary.
func Default(policy KeyPolicy) (*Catalog, error) {
	return Parse(defaultCatalog, policy)
}

// LoadFile reads a YAML catalog from disk.
func LoadFile(path string, policy KeyPolicy) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data, policy)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte, policy KeyPolicy) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return New(doc.Park, doc.Places, policy)
}

// New validates places and builds the lookup table.
func New(park Park, places []model.POI, policy KeyPolicy) (*Catalog, error) {
	if policy != KeyByMinor && policy != KeyByFull {
		return nil, fmt.Errorf("%w %q", ErrUnknownPolicy, policy)
	}

	c := &Catalog{
		park:   park,
		places: make([]model.POI, 0, len(places)),
		byID:   make(map[string]int, len(places)),
		lookup: make(map[string]int),
		policy: policy,
	}

	for _, p := range places {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("place without id")
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate place id %q", p.ID)
		}
		if p.Kind == "" {
			p.Kind = model.KindPOI
		}
		if p.Kind != model.KindPOI && p.Kind != model.KindCross {
			return nil, fmt.Errorf("place %q: unknown kind %q", p.ID, p.Kind)
		}
		if p.Beacon.TriggerDistance <= 0 {
			return nil, fmt.Errorf("place %q: trigger distance must be positive", p.ID)
		}
		p.Beacon.UUID = CanonicalUUID(p.Beacon.UUID)

		idx := len(c.places)
		c.places = append(c.places, p)
		c.byID[p.ID] = idx

		// Crossings are drawn on the map but never trigger arrivals.
		if p.Kind != model.KindPOI {
			continue
		}
		key, ok := keyFor(policy, p.Beacon.UUID, p.Beacon.Major, p.Beacon.Minor)
		if !ok {
			continue
		}
		if other, dup := c.lookup[key]; dup {
			return nil, fmt.Errorf("%w %q: %s and %s", ErrDuplicateKey, key, c.places[other].ID, p.ID)
		}
		c.lookup[key] = idx
	}

	return c, nil
}

// Policy reports the key policy the lookup table was built with.
func (c *Catalog) Policy() KeyPolicy {
	return c.policy
}

// Park returns the park metadata.
func (c *Catalog) Park() Park {
	return c.park
}

// Lookup finds the point of interest whose beacon matches the reading.
func (c *Catalog) Lookup(r model.BeaconReading) (model.POI, bool) {
	var id string
	if r.UUID != nil {
		id = CanonicalUUID(*r.UUID)
	}
	key, ok := keyFor(c.policy, id, r.Major, r.Minor)
	if !ok {
		return model.POI{}, false
	}
	idx, ok := c.lookup[key]
	if !ok {
		return model.POI{}, false
	}
	return c.places[idx], true
}

// Place returns a place by id.
func (c *Catalog) Place(id string) (model.POI, bool) {
	idx, ok := c.byID[id]
	if !ok {
		return model.POI{}, false
	}
	return c.places[idx], true
}

// Places returns every place in catalog order.
func (c *Catalog) Places() []model.POI {
	out := make([]model.POI, len(c.places))
	copy(out, c.places)
	return out
}

// POIs returns the places of kind poi.
func (c *Catalog) POIs() []model.POI {
	var out []model.POI
	for _, p := range c.places {
		if p.Kind == model.KindPOI {
			out = append(out, p)
		}
	}
	return out
}

// Bounds returns the box enclosing all points of interest. ok is false for an empty catalog.
func (c *Catalog) Bounds() (model.Bounds, bool) {
	pois := c.POIs()
	if len(pois) == 0 {
		return model.Bounds{}, false
	}

	b := model.Bounds{NE: pois[0].Coordinates, SW: pois[0].Coordinates}
	for _, p := range pois[1:] {
		b.NE.Latitude = max(b.NE.Latitude, p.Coordinates.Latitude)
		b.NE.Longitude = max(b.NE.Longitude, p.Coordinates.Longitude)
		b.SW.Latitude = min(b.SW.Latitude, p.Coordinates.Latitude)
		b.SW.Longitude = min(b.SW.Longitude, p.Coordinates.Longitude)
	}
	return b, true
}

// InsidePark reports whether the coordinates fall within the park bounds.
func (c *Catalog) InsidePark(pos model.Coordinates) bool {
	return c.park.Bounds.Contains(pos)
}

// Regions returns one scan region per distinct beacon UUID in the catalog.
func (c *Catalog) Regions() []model.Region {
	seen := make(map[string]struct{})
	var regions []model.Region
	for _, p := range c.places {
		if p.Beacon.UUID == "" {
			continue
		}
		if _, ok := seen[p.Beacon.UUID]; ok {
			continue
		}
		seen[p.Beacon.UUID] = struct{}{}
		regions = append(regions, model.Region{ID: strings.ToLower(p.Beacon.UUID), UUID: p.Beacon.UUID})
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].ID < regions[j].ID })
	return regions
}

// CanonicalUUID returns the upper-case hyphenated form of a UUID string. Values that
// do not parse are trimmed and upper-cased so they still compare consistently.
func CanonicalUUID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if u, err := uuid.Parse(s); err == nil {
		return strings.ToUpper(u.String())
	}
	return strings.ToUpper(s)
}

func keyFor(policy KeyPolicy, id string, major, minor *int) (string, bool) {
	if minor == nil {
		return "", false
	}
	if policy == KeyByMinor {
		return strconv.Itoa(*minor), true
	}
	if id == "" || major == nil {
		return "", false
	}
	return id + "|" + strconv.Itoa(*major) + "|" + strconv.Itoa(*minor), true
}
