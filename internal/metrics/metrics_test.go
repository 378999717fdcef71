package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreExposed(t *testing.T) {
	before := testutil.ToFloat64(BusMessages.WithLabelValues("out", "LOGIN"))
	BusMessages.WithLabelValues("out", "LOGIN").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(BusMessages.WithLabelValues("out", "LOGIN")))

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tabsync_bus_messages_total")
	assert.Contains(t, string(body), "go_goroutines")
}
