package persistent

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
)

func encodeToBytes(p interface{}) ([]byte, error) {
	buf := bytes.Buffer{}
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeFromBytes(s []byte, p interface{}) error {
	return gob.NewDecoder(bytes.NewReader(s)).Decode(p)
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func uint64ToBytes(u uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, u)
	return buf
}
