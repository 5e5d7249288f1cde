package engine

import (
	"fmt"
	"sort"

	"github.com/cuongbtq/cad-convertor/internal/domain"
)

// ExportMode is how the engine writes the target format
type ExportMode string

const (
	// ExportShape writes the B-rep shape directly (STEP, IGES, BREP)
	ExportShape ExportMode = "export"
	// ExportTessellate tessellates the shape and writes a mesh (STL, OBJ, PLY)
	ExportTessellate ExportMode = "tessellate"
	// ExportOFF tessellates and writes the OFF text format
	ExportOFF ExportMode = "tessellate-off"
)

// Operation is the engine action for one (source, target) pair
type Operation struct {
	From   domain.Format
	To     domain.Format
	Load   domain.GeometryKind
	Export ExportMode
}

// String is the operation token handed to the engine, e.g. "mesh:tessellate"
func (o Operation) String() string {
	return fmt.Sprintf("%s:%s", o.Load, o.Export)
}

// Pair is a supported conversion
type Pair struct {
	From domain.Format `json:"from"`
	To   domain.Format `json:"to"`
}

func exportModeFor(f domain.Format) ExportMode {
	switch {
	case f == domain.FormatOFF:
		return ExportOFF
	case f.Kind() == domain.GeometryMesh:
		return ExportTessellate
	default:
		return ExportShape
	}
}

// buildRoutes maps every ordered pair of distinct formats. Mesh sources are
// loaded as meshes and lifted to shapes by the engine before export.
func buildRoutes() map[Pair]Operation {
	routes := make(map[Pair]Operation)
	for _, from := range domain.SupportedFormats() {
		for _, to := range domain.SupportedFormats() {
			if from == to {
				continue
			}
			routes[Pair{From: from, To: to}] = Operation{
				From:   from,
				To:     to,
				Load:   from.Kind(),
				Export: exportModeFor(to),
			}
		}
	}
	return routes
}

func sortedPairs(routes map[Pair]Operation) []Pair {
	pairs := make([]Pair, 0, len(routes))
	for p := range routes {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].From != pairs[j].From {
			return pairs[i].From < pairs[j].From
		}
		return pairs[i].To < pairs[j].To
	})
	return pairs
}
