package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
)

// EC returns the curve used throughout this module: secp256k1.
func EC() elliptic.Curve {
	return btcec.S256()
}

// Point represents a point on the secp256k1 curve in affine form. It is
// designed to be immutable.
type Point struct {
	curve  elliptic.Curve
	coords [2]*big.Int
	// get/set with atomic; avoids a data race in ValidateBasic
	onCurveKnown uint32
}

// NewPoint creates a new Point and checks that the given coordinates are on
// the curve.
func NewPoint(curve elliptic.Curve, X, Y *big.Int) (*Point, error) {
	if !isOnCurve(curve, X, Y) {
		return nil, fmt.Errorf("NewPoint: the given point is not on the elliptic curve")
	}
	return &Point{curve, [2]*big.Int{X, Y}, 1}, nil
}

// NewPointNoCurveCheck creates a new Point without checking that the
// coordinates are on the curve. Only use this function when you are
// completely sure that the point is already on the curve.
func NewPointNoCurveCheck(curve elliptic.Curve, X, Y *big.Int) *Point {
	return &Point{curve, [2]*big.Int{X, Y}, 0}
}

func (p *Point) X() *big.Int {
	return new(big.Int).Set(p.coords[0])
}

func (p *Point) Y() *big.Int {
	return new(big.Int).Set(p.coords[1])
}

func (p *Point) Add(b *Point) (*Point, error) {
	x, y := p.curve.Add(p.X(), p.Y(), b.X(), b.Y())
	return NewPoint(p.curve, x, y)
}

func (p *Point) Sub(b *Point) (*Point, error) {
	return p.Add(b.Neg())
}

func (p *Point) Neg() *Point {
	order := p.curve.Params().P
	negY := new(big.Int).Neg(p.Y())
	negY.Mod(negY, order) // ok here because we're describing a curve point.
	return NewPointNoCurveCheck(p.curve, p.X(), negY)
}

func (p *Point) ScalarMultBytes(k []byte) *Point {
	x, y := p.curve.ScalarMult(p.X(), p.Y(), k)
	newP, _ := NewPoint(p.curve, x, y) // it must be on the curve, no need to check.
	return newP
}

func (p *Point) ScalarMult(k *big.Int) *Point {
	return p.ScalarMultBytes(k.Bytes())
}

func (p *Point) IsOnCurve() bool {
	return isOnCurve(p.curve, p.coords[0], p.coords[1])
}

func (p *Point) Equals(b *Point) bool {
	if p == nil || b == nil {
		return false
	}
	return p.X().Cmp(b.X()) == 0 && p.Y().Cmp(b.Y()) == 0
}

func (p *Point) ValidateBasic() bool {
	onCurveKnown := atomic.LoadUint32(&p.onCurveKnown) == 1
	res := p != nil && p.coords[0] != nil && p.coords[1] != nil && (onCurveKnown || p.IsOnCurve())
	if res && !onCurveKnown {
		atomic.StoreUint32(&p.onCurveKnown, 1)
	}
	return res
}

// Bytes returns the point as a fixed-width big-endian X||Y encoding. For the
// compressed SEC1 form used on the wire and in results, see CompressedBytes.
func (p *Point) Bytes() []byte {
	bzX, bzY := p.X().Bytes(), p.Y().Bytes()
	byteSize := p.curve.Params().BitSize / 8
	tmpX := make([]byte, byteSize-len(bzX), byteSize) // pad
	tmpY := make([]byte, byteSize-len(bzY), byteSize)
	if 0 < len(bzX) {
		tmpX = append(tmpX, bzX...)
	}
	if 0 < len(bzY) {
		tmpY = append(tmpY, bzY...)
	}
	return append(tmpX, tmpY...)
}

// CompressedBytes returns the 33-byte compressed SEC1 encoding of the point:
// a sign-prefix byte (0x02 for even Y, 0x03 for odd Y) followed by the
// 32-byte big-endian X coordinate.
func (p *Point) CompressedBytes() []byte {
	byteSize := (p.curve.Params().BitSize + 7) / 8
	out := make([]byte, 1+byteSize)
	if p.Y().Bit(0) == 0 {
		out[0] = 0x02
	} else {
		out[0] = 0x03
	}
	xBz := p.X().Bytes()
	copy(out[1+byteSize-len(xBz):], xBz)
	return out
}

func (p *Point) ToECDSAPubKey() *ecdsa.PublicKey {
	return &ecdsa.PublicKey{
		Curve: p.curve,
		X:     p.X(),
		Y:     p.Y(),
	}
}

// ----- //

func isOnCurve(c elliptic.Curve, x, y *big.Int) bool {
	if x == nil || y == nil {
		return false
	}
	return c.IsOnCurve(x, y)
}

func ScalarBaseMult(curve elliptic.Curve, k *big.Int) *Point {
	x, y := curve.ScalarBaseMult(k.Bytes())
	p, _ := NewPoint(curve, x, y) // it must be on the curve, no need to check.
	return p
}

// DecompressPoint recovers a secp256k1 Point from its X coordinate and a
// sign byte (0 for even Y, 1 for odd Y), as used by the compressed SEC1
// public key encoding.
func DecompressPoint(curve elliptic.Curve, x *big.Int, sign byte) (*Point, error) {
	if curve == nil || x == nil {
		return nil, errors.New("DecompressPoint() received one or more nil args")
	}
	if curve != btcec.S256() {
		return nil, fmt.Errorf("DecompressPoint() unsupported curve provided; only secp256k1 is implemented")
	}
	params := curve.Params()

	// secp256k1: y^2 = x^3 + 7
	y2 := new(big.Int).Exp(x, big.NewInt(3), params.P)
	y2.Add(y2, big.NewInt(7))
	y2.Mod(y2, params.P)

	y := new(big.Int).ModSqrt(y2, params.P)
	if y == nil {
		return nil, errors.New("DecompressPoint() invalid point")
	}
	if y.Bit(0) != uint(sign)&1 {
		y.Sub(params.P, y)
	}
	return &Point{
		curve:  curve,
		coords: [2]*big.Int{x, y},
	}, nil
}

// ----- //

func FlattenPoints(in []*Point) ([]*big.Int, error) {
	if in == nil {
		return nil, errors.New("FlattenPoints encountered a nil in slice")
	}
	flat := make([]*big.Int, 0, len(in)*2)
	for _, point := range in {
		if point == nil || point.coords[0] == nil || point.coords[1] == nil {
			return nil, errors.New("FlattenPoints found nil point/coordinate")
		}
		flat = append(flat, point.coords[0])
		flat = append(flat, point.coords[1])
	}
	return flat, nil
}

func UnFlattenPoints(curve elliptic.Curve, in []*big.Int, noCurveCheck ...bool) ([]*Point, error) {
	if in == nil || len(in)%2 != 0 {
		return nil, errors.New("UnFlattenPoints expected an in len divisible by 2")
	}
	var err error
	unFlat := make([]*Point, len(in)/2)
	for i, j := 0, 0; i < len(in); i, j = i+2, j+1 {
		if len(noCurveCheck) == 0 || !noCurveCheck[0] {
			unFlat[j], err = NewPoint(curve, in[i], in[i+1])
			if err != nil {
				return nil, err
			}
		} else {
			unFlat[j] = NewPointNoCurveCheck(curve, in[i], in[i+1])
		}
	}
	for _, point := range unFlat {
		if point.coords[0] == nil || point.coords[1] == nil {
			return nil, errors.New("UnFlattenPoints found nil coordinate after unpack")
		}
	}
	return unFlat, nil
}

// ----- //
// Gob helpers for if you choose to encode messages with Gob.

func (p *Point) GobEncode() ([]byte, error) {
	buf := &bytes.Buffer{}
	x, err := p.coords[0].GobEncode()
	if err != nil {
		return nil, err
	}
	y, err := p.coords[1].GobEncode()
	if err != nil {
		return nil, err
	}

	err = binary.Write(buf, binary.LittleEndian, uint32(len(x)))
	if err != nil {
		return nil, err
	}
	buf.Write(x)
	err = binary.Write(buf, binary.LittleEndian, uint32(len(y)))
	if err != nil {
		return nil, err
	}
	buf.Write(y)

	return buf.Bytes(), nil
}

func (p *Point) GobDecode(buf []byte) error {
	reader := bytes.NewReader(buf)
	var length uint32
	if err := binary.Read(reader, binary.LittleEndian, &length); err != nil {
		return err
	}
	x := make([]byte, length)
	n, err := reader.Read(x)
	if n != int(length) || err != nil {
		return fmt.Errorf("gob decode failed: %v", err)
	}
	if err := binary.Read(reader, binary.LittleEndian, &length); err != nil {
		return err
	}
	y := make([]byte, length)
	n, err = reader.Read(y)
	if n != int(length) || err != nil {
		return fmt.Errorf("gob decode failed: %v", err)
	}

	X := new(big.Int)
	if err := X.GobDecode(x); err != nil {
		return err
	}
	Y := new(big.Int)
	if err := Y.GobDecode(y); err != nil {
		return err
	}
	p.curve = EC()
	p.coords = [2]*big.Int{X, Y}
	if !p.IsOnCurve() {
		return errors.New("Point.GobDecode: the point is not on the elliptic curve")
	}
	return nil
}

// ----- //

// Point is not inherently json marshal-able.
func (p *Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Coords [2]*big.Int
	}{
		Coords: p.coords,
	})
}

func (p *Point) UnmarshalJSON(payload []byte) error {
	aux := &struct {
		Coords [2]*big.Int
	}{}
	if err := json.Unmarshal(payload, &aux); err != nil {
		return err
	}
	p.curve = EC()
	p.coords = [2]*big.Int{aux.Coords[0], aux.Coords[1]}
	if !p.IsOnCurve() {
		return errors.New("Point.UnmarshalJSON: the point is not on the elliptic curve")
	}
	return nil
}
