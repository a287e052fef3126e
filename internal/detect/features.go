package detect

// Feature vector layout. The order is fixed at startup and shared with any
// trained scorer; changing it requires retraining.
var featureNames = []string{
	"bytes",
	"packets",
	"iat_mean",
	"iat_std",
	"iat_min",
	"iat_max",
	"proto_tcp",
	"proto_udp",
	"proto_icmp",
	"proto_other",
}

// FeatureNames returns the vector layout in order.
func FeatureNames() []string {
	names := make([]string, len(featureNames))
	copy(names, featureNames)
	return names
}

// Vectorize converts a flow into the fixed-length ordered feature vector.
func Vectorize(f *Flow) []float64 {
	mean, std, min, max := f.IATStats()
	vec := []float64{
		float64(f.Bytes),
		float64(f.Packets),
		mean,
		std,
		min,
		max,
		0, 0, 0, 0,
	}
	switch f.Key.Proto {
	case "tcp":
		vec[6] = 1
	case "udp":
		vec[7] = 1
	case "icmp":
		vec[8] = 1
	default:
		vec[9] = 1
	}
	return vec
}

// FeatureMap renders a vector as the named map carried on alerts.
func FeatureMap(vec []float64) map[string]float64 {
	m := make(map[string]float64, len(vec))
	for i, name := range featureNames {
		if i < len(vec) {
			m[name] = vec[i]
		}
	}
	return m
}
