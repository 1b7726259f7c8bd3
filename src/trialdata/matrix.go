package trialdata

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldRows   protowire.Number = 1
	fieldCols   protowire.Number = 2
	fieldValues protowire.Number = 3
)

var (
	ErrShape      = errors.New("matrix shape does not match its values")
	ErrBadMatrix  = errors.New("malformed matrix")
	ErrOutOfRange = errors.New("matrix index out of range")
)

// Column order of the record each participant contributes per trial.
const (
	ColAllocation = iota
	ColConfidence
	ColSeverity
	ColRadius
)

// Matrix is a small row-major numeric matrix. One row per item shown in the
// trial, one column per measured quantity.
type Matrix struct {
	Rows   int
	Cols   int
	Values []float64
}

// FromColumns stacks equally long columns side by side.
func FromColumns(cols ...[]float64) (*Matrix, error) {
	if len(cols) == 0 {
		return &Matrix{}, nil
	}
	rows := len(cols[0])
	for i, col := range cols {
		if len(col) != rows {
			return nil, fmt.Errorf("%w: column %d has %d rows, want %d", ErrShape, i, len(col), rows)
		}
	}
	m := &Matrix{Rows: rows, Cols: len(cols), Values: make([]float64, rows*len(cols))}
	for c, col := range cols {
		for r, v := range col {
			m.Values[r*m.Cols+c] = v
		}
	}
	return m, nil
}

// At returns one cell. It panics outside the matrix, like a slice index.
func (m *Matrix) At(row, col int) float64 {
	return m.Values[row*m.Cols+col]
}

// Column copies out one column.
func (m *Matrix) Column(col int) ([]float64, error) {
	if col < 0 || col >= m.Cols {
		return nil, fmt.Errorf("%w: column %d of %d", ErrOutOfRange, col, m.Cols)
	}
	out := make([]float64, m.Rows)
	for r := range out {
		out[r] = m.At(r, col)
	}
	return out, nil
}

// Marshal encodes the matrix in protobuf wire format with packed values.
func (m *Matrix) Marshal() []byte {
	b := make([]byte, 0, 8+8*len(m.Values))
	b = protowire.AppendTag(b, fieldRows, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Rows))
	b = protowire.AppendTag(b, fieldCols, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Cols))

	packed := make([]byte, 0, 8*len(m.Values))
	for _, v := range m.Values {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, fieldValues, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	return b
}

// UnmarshalMatrix decodes a matrix received from a peer. The declared shape
// must account for exactly the values present.
func UnmarshalMatrix(b []byte) (*Matrix, error) {
	m := &Matrix{}
	var rows, cols uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrBadMatrix, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldRows && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: rows: %v", ErrBadMatrix, protowire.ParseError(n))
			}
			rows = v
			b = b[n:]
		case num == fieldCols && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: cols: %v", ErrBadMatrix, protowire.ParseError(n))
			}
			cols = v
			b = b[n:]
		case num == fieldValues && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: values: %v", ErrBadMatrix, protowire.ParseError(n))
			}
			b = b[n:]
			for len(packed) > 0 {
				bits, n := protowire.ConsumeFixed64(packed)
				if n < 0 {
					return nil, fmt.Errorf("%w: values: %v", ErrBadMatrix, protowire.ParseError(n))
				}
				m.Values = append(m.Values, math.Float64frombits(bits))
				packed = packed[n:]
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrBadMatrix, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !shapeFits(rows, cols, uint64(len(m.Values))) {
		return nil, fmt.Errorf("%w: %dx%d with %d values", ErrShape, rows, cols, len(m.Values))
	}
	m.Rows, m.Cols = int(rows), int(cols)
	return m, nil
}

// shapeFits reports rows*cols == n without overflowing. A matrix with rows
// must have columns.
func shapeFits(rows, cols, n uint64) bool {
	if cols == 0 {
		return rows == 0 && n == 0
	}
	return n%cols == 0 && n/cols == rows
}
