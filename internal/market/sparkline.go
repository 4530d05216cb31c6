package market

import "farmengine/internal/domain"

// CatmullRomSparkline interpolates points price points into an outPoints-long
// smoothed series using a uniform Catmull-Rom spline, gracefully
// degrading for short histories (fewer than 4 points returns the input
// unchanged; fewer than 2 returns it as-is). No pack library offers this
// specific spline, so it is hand-written here.
func CatmullRomSparkline(points []domain.Money, outPoints int) []domain.Money {
	n := len(points)
	if n < 4 || outPoints <= n {
		return append([]domain.Money(nil), points...)
	}

	get := func(i int) float64 {
		if i < 0 {
			i = 0
		}
		if i >= n {
			i = n - 1
		}
		return float64(points[i])
	}

	segments := n - 1
	out := make([]domain.Money, 0, outPoints)
	for o := 0; o < outPoints; o++ {
		t := float64(o) / float64(outPoints-1) * float64(segments)
		seg := int(t)
		if seg >= segments {
			seg = segments - 1
		}
		localT := t - float64(seg)

		p0 := get(seg - 1)
		p1 := get(seg)
		p2 := get(seg + 1)
		p3 := get(seg + 2)

		v := catmullRom(p0, p1, p2, p3, localT)
		out = append(out, domain.Money(v))
	}
	return out
}

// catmullRom evaluates the standard (uniform) Catmull-Rom basis at t in [0,1]
// between p1 and p2, using p0/p3 as the surrounding tangent-defining points.
func catmullRom(p0, p1, p2, p3, t float64) float64 {
	t2 := t * t
	t3 := t2 * t
	return 0.5 * ((2 * p1) +
		(-p0+p2)*t +
		(2*p0-5*p1+4*p2-p3)*t2 +
		(-p0+3*p1-3*p2+p3)*t3)
}
