package resolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tracelight-io/tracelight/internal/util"
	"github.com/tracelight-io/tracelight/pkg/common"
)

// Fingerprint derives the stable re-identification summary for a cluster.
// Embedding clusters fingerprint on the quantized centroid, so identical
// signal sets always produce the same key; the rest key on their
// normalized defining value.
func (c *cluster) Fingerprint() common.Fingerprint {
	switch c.kind {
	case common.KindFace, common.KindVoiceEmbedding:
		centroid := c.centroid()
		return common.Fingerprint{
			Kind:   c.kind,
			Key:    util.QuantizedVectorKey(c.kind, centroid),
			Vector: centroid,
		}
	case common.KindDeviceID:
		return common.Fingerprint{
			Kind: c.kind,
			Key:  "device:" + strings.ToLower(strings.TrimSpace(c.signals[0].Value)),
		}
	case common.KindGPS:
		lat, lon := c.centroidGeo()
		// ~100m cells: three decimal places of a degree.
		return common.Fingerprint{
			Kind: c.kind,
			Key:  fmt.Sprintf("geo:%.3f,%.3f", lat, lon),
		}
	case common.KindOrgMention:
		return common.Fingerprint{
			Kind: c.kind,
			Key:  "org:" + canonicalOrgKey(c.signals),
		}
	default:
		return common.Fingerprint{
			Kind: c.kind,
			Key:  c.kind + ":" + strings.ToLower(strings.TrimSpace(c.signals[0].Value)),
		}
	}
}

// centroid averages the cluster's embeddings. Signals are summed in a
// fixed order so the result is reproducible.
func (c *cluster) centroid() []float32 {
	if len(c.signals) == 0 {
		return nil
	}
	dim := len(c.signals[0].Embedding)
	sum := make([]float64, dim)
	count := 0
	for _, sig := range c.signals {
		if len(sig.Embedding) != dim {
			continue
		}
		for i, v := range sig.Embedding {
			sum[i] += float64(v)
		}
		count++
	}
	if count == 0 {
		return nil
	}
	out := make([]float32, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(count))
	}
	return out
}

func (c *cluster) centroidGeo() (float64, float64) {
	var lat, lon float64
	count := 0
	for _, sig := range c.signals {
		if sig.Location == nil {
			continue
		}
		lat += sig.Location.Lat
		lon += sig.Location.Lon
		count++
	}
	if count == 0 {
		return 0, 0
	}
	return lat / float64(count), lon / float64(count)
}

func canonicalOrgKey(signals []common.Signal) string {
	tokens := make(map[string]struct{})
	for _, sig := range signals {
		for tok := range tokenSet(sig.Value) {
			tokens[tok] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(tokens))
	for tok := range tokens {
		sorted = append(sorted, tok)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, "-")
}
