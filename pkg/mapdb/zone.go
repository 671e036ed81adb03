// Package mapdb loads the static zone map files and matches live room
// state against them by content fingerprint. The graph is read-only
// after load; only the tracked current location mutates.
package mapdb

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// briefDirs maps the map files' long exit names to the compass codes
// the game reports.
var briefDirs = map[string]string{
	"north": "n", "south": "s", "east": "e", "west": "w",
	"northwest": "nw", "southwest": "sw", "northeast": "ne", "southeast": "se",
	"up": "up", "down": "down", "out": "out",
}

// Arc is a directed exit from one node to another.
type Arc struct {
	Destination *int   `json:"destination"`
	Exit        string `json:"exit"`
	Move        string `json:"move"`
	Hidden      bool   `json:"hidden"`
}

// Node is one room in a zone.
type Node struct {
	ID        int      `json:"id"`
	Name      string   `json:"name"`
	X         int      `json:"x"`
	Y         int      `json:"y"`
	Z         int      `json:"z"`
	Color     string   `json:"color"`
	Arcs      []Arc    `json:"arcs"`
	CrossZone bool     `json:"cross_zone"`
	Notes     []string `json:"notes"`
}

// Label is free-floating map text.
type Label struct {
	Text string `json:"text"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
	Z    int    `json:"z"`
}

// Zone is one loaded map file: nodes keyed by id, labels, the bounding
// box of all node positions and the sorted set of vertical levels.
type Zone struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Nodes  map[int]*Node `json:"nodes"`
	Labels []Label       `json:"labels"`
	XMin   int           `json:"x_min"`
	XMax   int           `json:"x_max"`
	YMin   int           `json:"y_min"`
	YMax   int           `json:"y_max"`
	Levels []int         `json:"levels"`
}

type zoneXML struct {
	ID     string     `xml:"id,attr"`
	Name   string     `xml:"name,attr"`
	Nodes  []nodeXML  `xml:"node"`
	Labels []labelXML `xml:"label"`
}

type nodeXML struct {
	ID           int          `xml:"id,attr"`
	Name         string       `xml:"name,attr"`
	Color        string       `xml:"color,attr"`
	Note         string       `xml:"note,attr"`
	Position     *positionXML `xml:"position"`
	Arcs         []arcXML     `xml:"arc"`
	Descriptions []string     `xml:"description"`
}

type arcXML struct {
	Destination string `xml:"destination,attr"`
	Exit        string `xml:"exit,attr"`
	Move        string `xml:"move,attr"`
	Hidden      string `xml:"hidden,attr"`
}

type labelXML struct {
	Text     string       `xml:"text,attr"`
	Position *positionXML `xml:"position"`
}

type positionXML struct {
	X int `xml:"x,attr"`
	Y int `xml:"y,attr"`
	Z int `xml:"z,attr"`
}

type location struct {
	ZoneID string
	NodeID int
	Level  int
}

// loadDir parses every zone file under dir. Any unreadable or
// malformed file is an error; a session running with a partial graph
// would silently give wrong location answers.
func loadDir(dir string) (map[string]*Zone, map[string]location, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.xml"))
	if err != nil {
		return nil, nil, fmt.Errorf("scanning map dir %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("no zone files in %s", dir)
	}
	sort.Strings(files)

	zones := make(map[string]*Zone)
	index := make(map[string]location)
	seen := make(map[string]int)

	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, nil, fmt.Errorf("reading zone file: %w", err)
		}
		var zx zoneXML
		if err := xml.Unmarshal(data, &zx); err != nil {
			return nil, nil, fmt.Errorf("parsing %s: %w", filepath.Base(file), err)
		}

		// A zone id can repeat across files; later occurrences get a
		// letter suffix so both stay addressable.
		seen[zx.ID]++
		zoneID := zx.ID
		if n := seen[zx.ID]; n > 1 {
			zoneID = zx.ID + string(rune('a'+n-1))
		}

		zone := buildZone(zoneID, zx, index)
		zones[zoneID] = zone
	}
	return zones, index, nil
}

func buildZone(zoneID string, zx zoneXML, index map[string]location) *Zone {
	zone := &Zone{
		ID:    zoneID,
		Name:  zx.Name,
		Nodes: make(map[int]*Node, len(zx.Nodes)),
	}
	var levels []int

	for _, nx := range zx.Nodes {
		if nx.Position == nil {
			continue
		}
		x, y, z := nx.Position.X, nx.Position.Y, nx.Position.Z
		if x > zone.XMax {
			zone.XMax = x
		}
		if x < zone.XMin {
			zone.XMin = x
		}
		if y > zone.YMax {
			zone.YMax = y
		}
		if y < zone.YMin {
			zone.YMin = y
		}
		if !containsInt(levels, z) {
			levels = append(levels, z)
		}

		var notes []string
		if nx.Note != "" {
			notes = strings.Split(nx.Note, "|")
		}
		crossZone := false
		for _, n := range notes {
			if strings.HasSuffix(n, ".xml") {
				crossZone = true
			}
		}

		arcs := make([]Arc, 0, len(nx.Arcs))
		var briefExits []string
		for _, ax := range nx.Arcs {
			arc := Arc{
				Exit:   ax.Exit,
				Move:   ax.Move,
				Hidden: strings.EqualFold(ax.Hidden, "true"),
			}
			if ax.Destination != "" {
				if dest, err := strconv.Atoi(ax.Destination); err == nil {
					arc.Destination = &dest
				}
			}
			arcs = append(arcs, arc)
			if brief, ok := briefDirs[ax.Exit]; ok {
				briefExits = append(briefExits, brief)
			}
		}

		zone.Nodes[nx.ID] = &Node{
			ID: nx.ID, Name: nx.Name, X: x, Y: y, Z: z,
			Color: nx.Color, Arcs: arcs, CrossZone: crossZone, Notes: notes,
		}

		// Each recorded description variant gets its own index entry;
		// the game shows different text for the same room by season
		// and time of day.
		descs := nx.Descriptions
		if len(descs) == 0 {
			descs = []string{""}
		}
		for _, desc := range descs {
			fp := Fingerprint("["+nx.Name+"]", desc, briefExits)
			index[fp] = location{ZoneID: zoneID, NodeID: nx.ID, Level: z}
		}
	}

	for _, lx := range zx.Labels {
		if lx.Position == nil {
			continue
		}
		zone.Labels = append(zone.Labels, Label{
			Text: lx.Text, X: lx.Position.X, Y: lx.Position.Y, Z: lx.Position.Z,
		})
	}

	sort.Ints(levels)
	zone.Levels = levels
	return zone
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
