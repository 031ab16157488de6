package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyString_Canonical(t *testing.T) {
	a := Key{"Region": "eu", "ID": 7}
	b := Key{"ID": 7, "Region": "eu"}

	assert.Equal(t, a.String(), b.String(), "column order must not affect the rendering")
	assert.Equal(t, "ID=7|Region=eu", a.String())
}

func TestColumnProjection(t *testing.T) {
	project := ColumnProjection("ID", "Cake")
	source := Row{"ID": 1, "Name": "Alice", "Cake": "Chocolate"}

	got := project(source)
	assert.Equal(t, Row{"ID": 1, "Cake": "Chocolate"}, got)
	assert.Contains(t, source, "Name", "projection must not mutate the source row")

	// Requested columns missing from the image surface as nil for the
	// staging defaults to fill in.
	got = project(Row{"ID": 2})
	assert.Nil(t, got["Cake"])
	assert.Contains(t, got, "Cake")
}

func TestRowClone(t *testing.T) {
	row := Row{"ID": 1}
	clone := row.Clone()
	clone["ID"] = 2

	assert.Equal(t, 1, row["ID"])
	assert.Nil(t, Row(nil).Clone())
}
