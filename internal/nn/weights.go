package nn

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Weight files are a flat binary container: a 4-byte magic, a uint32 tensor
// count, then per tensor a uint32 element count followed by that many
// little-endian float32 values. Tensors appear in network parameter order.
const weightsMagic = "CSW1"

// LoadWeightsFile reads network parameters from path.
func LoadWeightsFile(path string, n *Network) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open weights: %w", err)
	}
	defer f.Close()
	if err := LoadWeights(bufio.NewReader(f), n); err != nil {
		return fmt.Errorf("weights %s: %w", path, err)
	}
	return nil
}

// LoadWeights reads parameters from r into the network, validating the
// magic, tensor count and per-tensor element counts.
func LoadWeights(r io.Reader, n *Network) error {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if string(magic[:]) != weightsMagic {
		return fmt.Errorf("bad magic %q, want %q", magic[:], weightsMagic)
	}
	params := n.Params()
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("read tensor count: %w", err)
	}
	if int(count) != len(params) {
		return fmt.Errorf("file has %d tensors, network expects %d", count, len(params))
	}
	for _, p := range params {
		var elems uint32
		if err := binary.Read(r, binary.LittleEndian, &elems); err != nil {
			return fmt.Errorf("%s: read element count: %w", p.Name, err)
		}
		if int(elems) != len(p.Data) {
			return fmt.Errorf("%s: file has %d elements, layer expects %d", p.Name, elems, len(p.Data))
		}
		buf := make([]byte, 4*len(p.Data))
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("%s: read payload: %w", p.Name, err)
		}
		for i := range p.Data {
			p.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
	}
	// Trailing bytes indicate a file built for a different architecture.
	var extra [1]byte
	if _, err := r.Read(extra[:]); err != io.EOF {
		return fmt.Errorf("trailing bytes after last tensor")
	}
	return nil
}

// SaveWeights writes the network parameters in the weight-file format.
// Used by tooling and tests to produce loadable checkpoints.
func SaveWeights(w io.Writer, n *Network) error {
	if _, err := w.Write([]byte(weightsMagic)); err != nil {
		return err
	}
	params := n.Params()
	if err := binary.Write(w, binary.LittleEndian, uint32(len(params))); err != nil {
		return err
	}
	for _, p := range params {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(p.Data))); err != nil {
			return err
		}
		buf := make([]byte, 4*len(p.Data))
		for i, v := range p.Data {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}
