package firehose

import (
	"bytes"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bbs/internal/domain"
)

func TestReadBlocks(t *testing.T) {
	first := mustCBOR(t, map[string]any{"text": "one"})
	second := mustCBOR(t, map[string]any{"text": "two"})

	blocks, err := readBlocks(carFile(t, first, second))
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, first, blocks[cidFor(first).KeyString()])
	assert.Equal(t, second, blocks[cidFor(second).KeyString()])

	empty, err := readBlocks(carFile(t))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReadBlocksRejectsCorruptBlock(t *testing.T) {
	block := mustCBOR(t, map[string]any{"text": "original"})
	tampered := mustCBOR(t, map[string]any{"text": "tampered"})

	var buf bytes.Buffer
	require.NoError(t, car.WriteHeader(&car.CarHeader{Version: 1, Roots: []cid.Cid{cidFor(block)}}, &buf))
	require.NoError(t, carutil.LdWrite(&buf, cidFor(block).Bytes(), tampered))

	_, err := readBlocks(buf.Bytes())
	assert.Error(t, err)

	_, err = readBlocks([]byte{0x05, 0x01})
	assert.Error(t, err)
}

func TestDecodeCommitRejectsCorruptBlock(t *testing.T) {
	block := postBlock(t)
	tampered := mustCBOR(t, map[string]any{"section_id": "1", "text": "forged", "created": "2026-02-01T09:00:00Z"})

	var buf bytes.Buffer
	require.NoError(t, car.WriteHeader(&car.CarHeader{Version: 1, Roots: []cid.Cid{cidFor(block)}}, &buf))
	require.NoError(t, carutil.LdWrite(&buf, cidFor(block).Bytes(), tampered))

	rec := frame(t,
		map[string]any{"op": 1, "t": "#commit"},
		map[string]any{
			"seq":    int64(17),
			"repo":   alice,
			"rev":    FormatTID(507),
			"tooBig": false,
			"blocks": buf.Bytes(),
			"ops": []any{
				map[string]any{"action": "create", "path": "app.bbs.post/3kroot", "cid": link(cidFor(block))},
			},
		},
	)
	_, err := NewDecoder().Decode(rec)
	var de *domain.DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.DecodeMalformed, de.Kind)
	assert.Equal(t, int64(17), de.Position)
}

func TestParseLink(t *testing.T) {
	c := cidFor([]byte("block"))
	got, err := parseLink(append([]byte{0x00}, c.Bytes()...))
	require.NoError(t, err)
	assert.True(t, c.Equals(got))
	assert.Equal(t, "bafyrei", c.String()[:7])

	_, err = parseLink(c.Bytes())
	assert.Error(t, err)
	_, err = parseLink([]byte{0x00, 0x01})
	assert.Error(t, err)
}
