package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestCountersStartAtZero(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("fitterbap_test", reg)

	m.FramerTotalBytes.Add(3)
	m.DataLinkRetransmitTotal.Inc()
	m.PubSubPending.Set(5)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, fam := range families {
		for _, metric := range fam.Metric {
			switch {
			case metric.Counter != nil:
				values[fam.GetName()] = metric.Counter.GetValue()
			case metric.Gauge != nil:
				values[fam.GetName()] = metric.Gauge.GetValue()
			}
		}
	}

	require.Equal(t, 3.0, values["fitterbap_test_framer_total_bytes"])
	require.Equal(t, 1.0, values["fitterbap_test_datalink_retransmit_total"])
	require.Equal(t, 5.0, values["fitterbap_test_pubsub_pending"])
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New("fitterbap_test", reg)
	require.Panics(t, func() { New("fitterbap_test", reg) })
}
