// Package colorer implements the graph-coloring scan scheduler: it builds
// adjacency and hearability graphs over the radios in a topology, derives an
// exclusion graph, and assigns each radio a color such that no two radios
// sharing an exclusion edge share a color. Color classes are the scan
// groups: all radios in a class may be scanned concurrently.
//
// Ported from the controller's ScanScheduler (Graph, graphColoring,
// getExclusionMatrix, getHearabilityMatrix), including its DSATU-style
// tie-break-by-degree and random-choice-among-available-colors behavior.
package colorer

import (
	"math"
	"math/rand/v2"

	"github.com/terragraph-mesh/tgctl/internal/radio"
)

// Site is a radio's physical location, used to derive the hearability
// graph by approximate distance.
type Site struct {
	LatDeg, LonDeg float64
}

// Topology is the narrow read-only view the colorer needs; the real
// topology-wrapper CRUD lives outside this module's scope (spec.md §1).
type Topology interface {
	// RadioMacs returns all radio MACs in the topology, in a stable order.
	RadioMacs() []radio.Mac
	// WirelessLink reports whether a wireless link exists between a and b.
	WirelessLink(a, b radio.Mac) bool
	// SiteOf returns the site location of the node owning a radio.
	SiteOf(mac radio.Mac) Site
}

// DefaultScanMaxDistanceMeters is the scan_max_distance flag default.
const DefaultScanMaxDistanceMeters = 350.0

// graph is an adjacency-matrix undirected graph over a fixed vertex set,
// mirroring ScanScheduler::Graph.
type graph struct {
	n   int
	adj [][]bool
}

func newGraph(n int) *graph {
	adj := make([][]bool, n)
	for i := range adj {
		adj[i] = make([]bool, n)
	}
	return &graph{n: n, adj: adj}
}

func (g *graph) addEdge(i, j int) {
	g.adj[i][j] = true
	g.adj[j][i] = true
}

// neighbors returns the indices adjacent to i, excluding i itself.
func (g *graph) neighbors(i int) []int {
	var out []int
	for j := 0; j < g.n; j++ {
		if j != i && g.adj[i][j] {
			out = append(out, j)
		}
	}
	return out
}

// neighborsWithSelf returns neighbors(i) plus i itself.
func (g *graph) neighborsWithSelf(i int) []int {
	return append(g.neighbors(i), i)
}

// hasCommonElement reports whether two index sets intersect.
func hasCommonElement(a, b []int) bool {
	set := make(map[int]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// approxDistanceMeters approximates the Euclidean ground distance between
// two lat/lon sites, matching the equirectangular approximation used by the
// original topology-distance helper (adequate at mesh-link scale).
func approxDistanceMeters(a, b Site) float64 {
	const metersPerDegLat = 111_320.0
	latMid := (a.LatDeg + b.LatDeg) / 2 * math.Pi / 180
	dLat := (a.LatDeg - b.LatDeg) * metersPerDegLat
	dLon := (a.LonDeg - b.LonDeg) * metersPerDegLat * math.Cos(latMid)
	return math.Hypot(dLat, dLon)
}

// Result is the outcome of a coloring pass: one color id per radio (1-based,
// matching the original's curMaxColorId convention) and the derived color
// classes.
type Result struct {
	Color   map[radio.Mac]int
	Classes [][]radio.Mac
}

// Colorer builds the adjacency/hearability/exclusion graphs from a Topology
// and colors them.
type Colorer struct {
	ScanMaxDistanceMeters float64
	Rand                  *rand.Rand
}

// New returns a Colorer with default settings (350m hearability threshold,
// a package-seeded random source for the color-choice step).
func New() *Colorer {
	return &Colorer{ScanMaxDistanceMeters: DefaultScanMaxDistanceMeters}
}

// Color runs the full pipeline: build adjacency + hearability, derive
// exclusion, and greedily color it.
func (c *Colorer) Color(topo Topology) Result {
	macs := topo.RadioMacs()
	n := len(macs)
	idx := make(map[radio.Mac]int, n)
	for i, m := range macs {
		idx[m] = i
	}

	adjacency := newGraph(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if topo.WirelessLink(macs[i], macs[j]) {
				adjacency.addEdge(i, j)
			}
		}
	}

	maxDist := c.ScanMaxDistanceMeters
	if maxDist <= 0 {
		maxDist = DefaultScanMaxDistanceMeters
	}
	hearability := newGraph(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if approxDistanceMeters(topo.SiteOf(macs[i]), topo.SiteOf(macs[j])) < maxDist {
				hearability.addEdge(i, j)
			}
		}
	}

	exclusion := newGraph(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if hasCommonElement(hearability.neighborsWithSelf(i), hearability.neighborsWithSelf(j)) ||
				hasCommonElement(hearability.neighbors(i), adjacency.neighbors(j)) ||
				hasCommonElement(adjacency.neighbors(i), hearability.neighbors(j)) {
				exclusion.addEdge(i, j)
			}
		}
	}

	colorID := c.graphColoring(exclusion)

	result := Result{Color: make(map[radio.Mac]int, n)}
	maxColor := 0
	for i, m := range macs {
		result.Color[m] = colorID[i]
		if colorID[i] > maxColor {
			maxColor = colorID[i]
		}
	}
	result.Classes = make([][]radio.Mac, maxColor)
	for i, m := range macs {
		result.Classes[colorID[i]-1] = append(result.Classes[colorID[i]-1], m)
	}
	return result
}

// graphColoring is a DSATUR-like greedy coloring: each round, pick the
// uncolored vertex with the most distinct colors already present in its
// neighborhood (ties broken by highest degree), then assign it a uniformly
// random available color, or a new color if none of the colors in use is
// available.
func (c *Colorer) graphColoring(g *graph) []int {
	n := g.n
	colorID := make([]int, n) // 0 = uncolored
	curMaxColor := 0
	colored := make([]bool, n)

	rnd := c.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(1, 2))
	}

	for remaining := n; remaining > 0; remaining-- {
		best := -1
		bestSaturation := -1
		bestDegree := -1
		for v := 0; v < n; v++ {
			if colored[v] {
				continue
			}
			neighborColors := map[int]struct{}{}
			for _, u := range g.neighbors(v) {
				if colored[u] {
					neighborColors[colorID[u]] = struct{}{}
				}
			}
			saturation := len(neighborColors)
			degree := len(g.neighbors(v))
			if saturation > bestSaturation || (saturation == bestSaturation && degree > bestDegree) {
				best = v
				bestSaturation = saturation
				bestDegree = degree
			}
		}

		usedByNeighbor := make(map[int]struct{})
		for _, u := range g.neighbors(best) {
			if colored[u] {
				usedByNeighbor[colorID[u]] = struct{}{}
			}
		}
		var available []int
		for col := 1; col <= curMaxColor; col++ {
			if _, used := usedByNeighbor[col]; !used {
				available = append(available, col)
			}
		}
		var chosen int
		if len(available) > 0 {
			chosen = available[rnd.IntN(len(available))]
		} else {
			curMaxColor++
			chosen = curMaxColor
		}
		colorID[best] = chosen
		colored[best] = true
	}
	return colorID
}
