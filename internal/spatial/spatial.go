// Package spatial projects geographic longitude/latitude into the
// coordinate reference systems gridded datasets are stored in.
package spatial

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnsupportedCRS is returned for EPSG codes without a projection here.
var ErrUnsupportedCRS = errors.New("unsupported CRS")

// Projection maps longitude/latitude in degrees to CRS coordinates.
type Projection interface {
	Forward(lon, lat float64) (x, y float64)
}

// Ellipsoid is given by its semi-major axis and inverse flattening.
type Ellipsoid struct {
	A    float64
	InvF float64
}

var (
	GRS80 = Ellipsoid{A: 6378137.0, InvF: 298.257222101}
	WGS84 = Ellipsoid{A: 6378137.0, InvF: 298.257223563}
)

func (e Ellipsoid) e2() float64 {
	f := 1 / e.InvF
	return 2*f - f*f
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }

// Geographic is the identity for lon/lat datasets (EPSG:4326, EPSG:4258).
type Geographic struct{}

// Forward implements Projection.
func (Geographic) Forward(lon, lat float64) (float64, float64) { return lon, lat }

// WebMercator is the spherical Pseudo-Mercator (EPSG:3857).
type WebMercator struct{}

// Forward implements Projection.
func (WebMercator) Forward(lon, lat float64) (float64, float64) {
	const r = 6378137.0
	return r * rad(lon), r * math.Log(math.Tan(math.Pi/4+rad(lat)/2))
}

// LAEA is the ellipsoidal Lambert azimuthal equal-area projection.
type LAEA struct {
	e, lon0       float64
	fe, fn        float64
	qp, beta0, rq float64
	d             float64
}

// NewLAEA returns the projection centred on (lon0, lat0).
func NewLAEA(ell Ellipsoid, lat0, lon0, fe, fn float64) LAEA {
	e := math.Sqrt(ell.e2())
	l := LAEA{e: e, lon0: lon0, fe: fe, fn: fn}
	l.qp = l.q(math.Pi / 2)
	phi0 := rad(lat0)
	l.beta0 = math.Asin(l.q(phi0) / l.qp)
	l.rq = ell.A * math.Sqrt(l.qp/2)
	sin0 := math.Sin(phi0)
	l.d = ell.A * (math.Cos(phi0) / math.Sqrt(1-e*e*sin0*sin0)) / (l.rq * math.Cos(l.beta0))
	return l
}

func (l LAEA) q(phi float64) float64 {
	e := l.e
	s := math.Sin(phi)
	return (1 - e*e) * (s/(1-e*e*s*s) - (1/(2*e))*math.Log((1-e*s)/(1+e*s)))
}

// Forward implements Projection; x is easting and y northing in metres.
func (l LAEA) Forward(lon, lat float64) (float64, float64) {
	phi := rad(lat)
	dl := rad(lon - l.lon0)
	beta := math.Asin(l.q(phi) / l.qp)
	b := l.rq * math.Sqrt(2/(1+math.Sin(l.beta0)*math.Sin(beta)+math.Cos(l.beta0)*math.Cos(beta)*math.Cos(dl)))
	east := l.fe + b*l.d*math.Cos(beta)*math.Sin(dl)
	north := l.fn + (b/l.d)*(math.Cos(l.beta0)*math.Sin(beta)-math.Sin(l.beta0)*math.Cos(beta)*math.Cos(dl))
	return east, north
}

// EPSG3035 is ETRS89-LAEA Europe.
var EPSG3035 = NewLAEA(GRS80, 52, 10, 4321000, 3210000)

// TransverseMercator is the ellipsoidal transverse Mercator with latitude of
// origin 0, using the series expansion accurate within a UTM zone.
type TransverseMercator struct {
	a, e2, ep2 float64
	lon0, k0   float64
	fe, fn     float64
}

// NewTransverseMercator returns the projection along meridian lon0.
func NewTransverseMercator(ell Ellipsoid, lon0, k0, fe, fn float64) TransverseMercator {
	e2 := ell.e2()
	return TransverseMercator{a: ell.A, e2: e2, ep2: e2 / (1 - e2), lon0: lon0, k0: k0, fe: fe, fn: fn}
}

// UTM returns the projection of a UTM zone (1-60).
func UTM(zone int, south bool, ell Ellipsoid) TransverseMercator {
	fn := 0.0
	if south {
		fn = 10000000
	}
	return NewTransverseMercator(ell, float64(6*zone-183), 0.9996, 500000, fn)
}

// meridianArc is the distance along the meridian from the equator to phi.
func (t TransverseMercator) meridianArc(phi float64) float64 {
	e2 := t.e2
	e4, e6 := e2*e2, e2*e2*e2
	return t.a * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35*e6/3072)*math.Sin(6*phi))
}

// Forward implements Projection.
func (t TransverseMercator) Forward(lon, lat float64) (float64, float64) {
	phi := rad(lat)
	sin, cos, tan := math.Sin(phi), math.Cos(phi), math.Tan(phi)
	n := t.a / math.Sqrt(1-t.e2*sin*sin)
	tt := tan * tan
	c := t.ep2 * cos * cos
	a := rad(lon-t.lon0) * cos
	a2 := a * a

	x := t.fe + t.k0*n*(a+(1-tt+c)*a*a2/6+(5-18*tt+tt*tt+72*c-58*t.ep2)*a*a2*a2/120)
	y := t.fn + t.k0*(t.meridianArc(phi)+n*tan*(a2/2+
		(5-tt+9*c+4*c*c)*a2*a2/24+
		(61-58*tt+tt*tt+600*c-330*t.ep2)*a2*a2*a2/720))
	return x, y
}

// ByEPSG returns the projection for an EPSG code.
func ByEPSG(code int) (Projection, error) {
	switch {
	case code == 4326 || code == 4258:
		return Geographic{}, nil
	case code == 3857:
		return WebMercator{}, nil
	case code == 3035:
		return EPSG3035, nil
	case code > 32600 && code <= 32660:
		return UTM(code-32600, false, WGS84), nil
	case code > 32700 && code <= 32760:
		return UTM(code-32700, true, WGS84), nil
	case code >= 25828 && code <= 25838:
		return UTM(code-25800, false, GRS80), nil
	}
	return nil, fmt.Errorf("%w: EPSG:%d", ErrUnsupportedCRS, code)
}
