package datablock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tick struct {
	Symbol [8]byte
	Price  float64
	Size   uint32
	Venue  struct {
		ID   uint16
		Open bool
	}
	Levels   [4]int32
	internal int
}

type quote struct {
	Bid, Ask float64
}

func TestSchemaFor(t *testing.T) {
	s, err := SchemaFor[tick]()
	require.NoError(t, err)
	assert.Equal(t, "datablock.tick", s.Name)
	assert.Equal(t, []Field{
		{"Symbol", KindBytes},
		{"Price", KindFloat64},
		{"Size", KindUint32},
		{"Venue.ID", KindUint16},
		{"Venue.Open", KindBool},
		{"Levels", KindArray},
	}, s.Fields)

	again, err := SchemaFor[tick]()
	require.NoError(t, err)
	assert.Same(t, s, again)

	_, err = SchemaFor[int]()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = SchemaFor[struct{ M map[string]int }]()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSchemaDiff(t *testing.T) {
	a := NewSchema("quote", Field{"Bid", KindFloat64}, Field{"Ask", KindFloat64})
	b := NewSchema("quote", Field{"Bid", KindFloat64}, Field{"Ask", KindFloat64})
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Hash(), b.Hash())

	c := NewSchema("quote", Field{"Bid", KindFloat64}, Field{"Ask", KindFloat32})
	assert.False(t, a.Equal(c))
	assert.Contains(t, a.Diff(c), "Ask")
	assert.NotEqual(t, a.Hash(), c.Hash())

	d := NewSchema("quote", Field{"Bid", KindFloat64})
	assert.Contains(t, a.Diff(d), "member count")
	assert.Contains(t, a.Diff(NewSchema("other")), "name")
	assert.Contains(t, a.Diff(nil), "no schema")
	assert.Equal(t, "Float64", KindFloat64.String())
}

func TestSchemaEncoding(t *testing.T) {
	s, err := SchemaFor[tick]()
	require.NoError(t, err)
	got, err := DecodeSchema(s.Encode())
	require.NoError(t, err)
	assert.True(t, s.Equal(got))

	for _, bad := range [][]byte{
		nil,
		[]byte("XXXX"),
		s.Encode()[:10],
		append(s.Encode(), 0),
	} {
		_, err := DecodeSchema(bad)
		assert.Error(t, err)
	}
}

func TestChannelSchemaCheck(t *testing.T) {
	hub := newTestHub(t)
	want, err := SchemaFor[quote]()
	require.NoError(t, err)
	cfg := ringConfig(4)

	p, err := CreateDataBlockProducer(hub, "quotes", PolicyRingBuffer, cfg, want)
	require.NoError(t, err)
	stored, err := p.Channel().Schema()
	require.NoError(t, err)
	assert.True(t, want.Equal(stored))

	c, err := FindDataBlockConsumer(hub, "quotes", testSecret, WithSchema(want))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = FindDataBlockConsumer(hub, "quotes", testSecret)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	other, err := SchemaFor[tick]()
	require.NoError(t, err)
	_, err = FindDataBlockConsumer(hub, "quotes", testSecret, WithSchema(other))
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	_, err = CreateDataBlockProducer(hub, "quotes", PolicyRingBuffer, cfg, nil)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	_, err = CreateDataBlockProducer(hub, "quotes", PolicyRingBuffer, cfg, other)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	again, err := CreateDataBlockProducer(hub, "quotes", PolicyRingBuffer, cfg, want)
	require.NoError(t, err)
	require.NoError(t, again.Close())

	newTestProducer(t, hub, "plain", PolicyRingBuffer, cfg)
	_, err = FindDataBlockConsumer(hub, "plain", testSecret, WithSchema(want))
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	ch, err := AttachChannel(hub, "plain", testSecret)
	require.NoError(t, err)
	defer ch.Close()
	none, err := ch.Schema()
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSchemaSingleFieldMismatch(t *testing.T) {
	hub := newTestHub(t)
	stored := NewSchema("quote", Field{"Bid", KindFloat64}, Field{"Ask", KindFloat64})
	p, err := CreateDataBlockProducer(hub, "quote", PolicyRingBuffer, ringConfig(2), stored)
	require.NoError(t, err)
	defer p.Close()

	for _, tc := range []struct {
		name string
		want *Schema
	}{
		{"renamed member", NewSchema("quote", Field{"Bid", KindFloat64}, Field{"Offer", KindFloat64})},
		{"swapped order", NewSchema("quote", Field{"Ask", KindFloat64}, Field{"Bid", KindFloat64})},
		{"changed kind", NewSchema("quote", Field{"Bid", KindFloat64}, Field{"Ask", KindFloat32})},
		{"extra member", NewSchema("quote", Field{"Bid", KindFloat64}, Field{"Ask", KindFloat64}, Field{"Mid", KindFloat64})},
		{"renamed schema", NewSchema("quote2", Field{"Bid", KindFloat64}, Field{"Ask", KindFloat64})},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.False(t, stored.Equal(tc.want))
			c, err := FindDataBlockConsumer(hub, "quote", testSecret, WithSchema(tc.want))
			assert.ErrorIs(t, err, ErrSchemaMismatch)
			assert.Nil(t, c)
		})
	}

	c, err := FindDataBlockConsumer(hub, "quote", testSecret,
		WithSchema(NewSchema("quote", Field{"Bid", KindFloat64}, Field{"Ask", KindFloat64})))
	require.NoError(t, err)
	require.NoError(t, c.Close())
}
