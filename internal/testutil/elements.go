package testutil

import (
	"github.com/slatedraw/slate/internal/canvas"
)

// Rect builds a rectangle element with sensible defaults for tests.
// Version 1, not deleted, modified at tsMillis.
func Rect(id string, version int64, tsMillis int64) canvas.Element {
	return canvas.Element{
		ID:              canvas.ElementID(id),
		Type:            canvas.TypeRectangle,
		X:               10,
		Y:               20,
		Width:           100,
		Height:          60,
		StrokeColor:     "#1e1e1e",
		BackgroundColor: "transparent",
		StrokeWidth:     1,
		StrokeStyle:     "solid",
		Roughness:       1,
		Opacity:         100,
		Version:         version,
		VersionNonce:    version * 1000,
		LastModified:    tsMillis,
	}
}

// MovedTo returns a copy of el at a new position with the version bumped
// and LastModified set to tsMillis.
func MovedTo(el canvas.Element, x, y float64, tsMillis int64) canvas.Element {
	next := el.Clone()
	next.X = x
	next.Y = y
	next.Version = el.Version + 1
	next.VersionNonce = canvas.NewVersionNonce()
	next.LastModified = tsMillis
	return next
}

// ElementMap builds an authoritative-style map from elements.
func ElementMap(elements ...canvas.Element) map[canvas.ElementID]canvas.Element {
	m := make(map[canvas.ElementID]canvas.Element, len(elements))
	for _, el := range elements {
		m[el.ID] = el
	}
	return m
}
