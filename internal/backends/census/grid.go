package census

import (
	"math"
	"strconv"
	"strings"

	"github.com/i474232898/envirodata/internal/spatial"
)

// GridID returns the INSPIRE id of the cell of size metres containing the
// point, e.g. CRS3035RES100mN3210000E4321000.
func GridID(lon, lat float64, size int) string {
	east, north := spatial.EPSG3035.Forward(lon, lat)
	label := strconv.Itoa(size) + "m"
	if size > 999 {
		label = strconv.Itoa(size/1000) + "km"
	}
	n := int64(math.Floor(north / float64(size)))
	e := int64(math.Floor(east / float64(size)))
	return "CRS3035RES" + label + "N" + padRight(n) + "E" + padRight(e)
}

func padRight(v int64) string {
	s := strconv.FormatInt(v, 10)
	if len(s) < 7 {
		s += strings.Repeat("0", 7-len(s))
	}
	return s
}
