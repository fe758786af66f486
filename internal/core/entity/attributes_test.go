package entity

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestAttributes_ScanPreservesPrecision(t *testing.T) {
	var a Attributes
	err := a.Scan([]byte(`{"qty": 0.1, "price": 19.99, "count": 42, "title": "x"}`))
	assert.NoError(t, err)

	// json.Number path keeps the exact decimal representation.
	assert.True(t, a.GetDecimal("price").Equal(decimal.RequireFromString("19.99")))
	assert.True(t, a.GetDecimal("qty").Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, int64(42), a.GetInt("count"))
	assert.Equal(t, "x", a.GetString("title"))
}

func TestAttributes_ScanNil(t *testing.T) {
	var a Attributes
	assert.NoError(t, a.Scan(nil))
	assert.Nil(t, a)

	assert.NoError(t, a.Scan([]byte{}))
	assert.Nil(t, a)
}

func TestAttributes_GetIntPtr(t *testing.T) {
	a := Attributes{}
	a.Set("offset", int64(0))

	ptr := a.GetIntPtr("offset")
	if assert.NotNil(t, ptr, "explicit zero must not read as absent") {
		assert.Equal(t, int64(0), *ptr)
	}

	assert.Nil(t, a.GetIntPtr("missing"))

	a.Set("nullish", nil)
	assert.Nil(t, a.GetIntPtr("nullish"))
}

func TestAttributes_GetTime(t *testing.T) {
	a := Attributes{}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.Set("due_date", want.Format(time.RFC3339))

	assert.True(t, a.GetTime("due_date").Equal(want))
	assert.True(t, a.GetTime("missing").IsZero())

	a.Set("garbage", "not-a-date")
	assert.True(t, a.GetTime("garbage").IsZero())
}

func TestAttributes_CloneIsIndependent(t *testing.T) {
	a := Attributes{"status": "open"}
	b := a.Clone()
	b.Set("status", "completed")

	assert.Equal(t, "open", a.GetString("status"))
	assert.Equal(t, "completed", b.GetString("status"))

	var nilAttrs Attributes
	assert.Nil(t, nilAttrs.Clone())
}

func TestRecord_CloneDetachesAttributes(t *testing.T) {
	rec := NewRecord("task")
	rec.Attributes.Set("status", "open")

	cp := rec.Clone()
	cp.Attributes.Set("status", "completed")

	assert.Equal(t, rec.ID, cp.ID)
	assert.Equal(t, "open", rec.Attributes.GetString("status"))
	assert.Equal(t, "completed", cp.Attributes.GetString("status"))
}

func TestIDs_PreservesOrder(t *testing.T) {
	a, b := NewRecord("task"), NewRecord("task")
	ids := IDs([]*Record{a, b})

	assert.Len(t, ids, 2)
	assert.Equal(t, a.ID, ids[0])
	assert.Equal(t, b.ID, ids[1])
}
