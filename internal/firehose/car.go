package firehose

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-car"
)

// readBlocks indexes the blocks of a CARv1 archive by CID. The repository
// tree is not walked; records are located by the CIDs named in the commit
// ops. Blocks whose content does not hash to their CID are rejected by the
// reader.
func readBlocks(data []byte) (map[string][]byte, error) {
	cr, err := car.NewCarReaderWithOptions(bytes.NewReader(data), car.WithErrorOnEmptyRoots(false))
	if err != nil {
		return nil, fmt.Errorf("car header: %w", err)
	}

	blocks := make(map[string][]byte)
	for {
		blk, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return blocks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("car block: %w", err)
		}
		blocks[blk.Cid().KeyString()] = blk.RawData()
	}
}

// parseLink decodes the bytes of a DAG-CBOR link: a 0x00 multibase prefix
// followed by the binary CID.
func parseLink(raw []byte) (cid.Cid, error) {
	if len(raw) == 0 || raw[0] != 0x00 {
		return cid.Undef, errors.New("cid link: missing identity multibase prefix")
	}
	c, err := cid.Cast(raw[1:])
	if err != nil {
		return cid.Undef, fmt.Errorf("cid link: %w", err)
	}
	return c, nil
}
