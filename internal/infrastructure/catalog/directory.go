package catalog

import (
	"context"

	"github.com/garyjia/doc-approval/internal/application/port"
)

// StaticDirectory serves approver weights from the catalog
type StaticDirectory struct {
	weights map[string]float64
}

// NewStaticDirectory creates a directory from a weight table
func NewStaticDirectory(weights map[string]float64) *StaticDirectory {
	cp := make(map[string]float64, len(weights))
	for k, v := range weights {
		cp[k] = v
	}
	return &StaticDirectory{weights: cp}
}

// Weight implements port.Directory
func (d *StaticDirectory) Weight(ctx context.Context, actor string) float64 {
	if w, ok := d.weights[actor]; ok {
		return w
	}
	return 1
}

var _ port.Directory = (*StaticDirectory)(nil)
