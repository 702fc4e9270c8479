package container

import (
	"encoding/binary"
	"encoding/json"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/he"
)

// 下标表：binary 为小端 uint32 个数加逐个 uint32；text 为 JSON 数组

func encodeIndices(indices []uint32, f he.Format) ([]byte, error) {
	if f == he.FormatText {
		return json.Marshal(indices)
	}
	buf := make([]byte, 4+4*len(indices))
	binary.LittleEndian.PutUint32(buf, uint32(len(indices)))
	for i, idx := range indices {
		binary.LittleEndian.PutUint32(buf[4+4*i:], idx)
	}
	return buf, nil
}

func decodeIndices(data []byte, f he.Format) ([]uint32, error) {
	var indices []uint32
	if f == he.FormatText {
		if err := json.Unmarshal(data, &indices); err != nil {
			return nil, errcode.CorruptArchive(EntryIndices, err.Error())
		}
	} else {
		if len(data) < 4 {
			return nil, errcode.CorruptArchive(EntryIndices, "truncated index list")
		}
		n := binary.LittleEndian.Uint32(data)
		if uint64(len(data)) != 4+4*uint64(n) {
			return nil, errcode.CorruptArchive(EntryIndices, "index list length does not match its count")
		}
		indices = make([]uint32, n)
		for i := range indices {
			indices[i] = binary.LittleEndian.Uint32(data[4+4*i:])
		}
	}

	if len(indices) == 0 {
		return nil, errcode.CorruptArchive(EntryIndices, "empty index list")
	}
	seen := make(map[uint32]bool, len(indices))
	for _, idx := range indices {
		if seen[idx] {
			return nil, errcode.CorruptArchive(EntryIndices, "duplicate index")
		}
		seen[idx] = true
	}
	return indices, nil
}
