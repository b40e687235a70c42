package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const linuxPingOutput = `PING 8.8.8.8 (8.8.8.8) 56(84) bytes of data.
64 bytes from 8.8.8.8: icmp_seq=1 ttl=118 time=12.1 ms
64 bytes from 8.8.8.8: icmp_seq=2 ttl=118 time=11.8 ms

--- 8.8.8.8 ping statistics ---
4 packets transmitted, 4 received, 0% packet loss, time 3004ms
rtt min/avg/max/mdev = 11.803/12.437/13.202/0.512 ms
`

const lossyPingOutput = `PING 10.0.0.1 (10.0.0.1) 56(84) bytes of data.

--- 10.0.0.1 ping statistics ---
10 packets transmitted, 8 received, 20% packet loss, time 9012ms
rtt min/avg/max/mdev = 230.120/412.551/601.330/110.204 ms
`

const bsdPingOutput = `PING 8.8.8.8 (8.8.8.8): 56 data bytes

--- 8.8.8.8 ping statistics ---
4 packets transmitted, 4 packets received, 0.0% packet loss
round-trip min/avg/max/stddev = 11.1/12.5/14.0/1.1 ms
`

func TestParsePing_Linux(t *testing.T) {
	t.Parallel()

	findings := ParsePing(linuxPingOutput)
	require.NotNil(t, findings)
	assert.Equal(t, 0.0, findings["packet_loss_pct"])
	assert.Equal(t, 12.437, findings["avg_latency_ms"])
	assert.Equal(t, "normal", findings["status"])
}

func TestParsePing_LossMarksDegraded(t *testing.T) {
	t.Parallel()

	findings := ParsePing(lossyPingOutput)
	require.NotNil(t, findings)
	assert.Equal(t, 20.0, findings["packet_loss_pct"])
	assert.Equal(t, 412.551, findings["avg_latency_ms"])
	assert.Equal(t, "degraded", findings["status"])
}

func TestParsePing_BSD(t *testing.T) {
	t.Parallel()

	findings := ParsePing(bsdPingOutput)
	require.NotNil(t, findings)
	assert.Equal(t, 0.0, findings["packet_loss_pct"])
	assert.Equal(t, 12.5, findings["avg_latency_ms"])
}

func TestParsePing_Unparseable(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ParsePing("ping: unknown host nowhere.invalid"))
}

func TestParseTraceroute(t *testing.T) {
	t.Parallel()

	output := `traceroute to 8.8.8.8 (8.8.8.8), 15 hops max, 60 byte packets
 1  192.168.1.1 (192.168.1.1)  1.2 ms  1.1 ms  1.0 ms
 2  10.20.0.1 (10.20.0.1)  8.4 ms  8.2 ms  8.9 ms
 3  * * *
 4  8.8.8.8 (8.8.8.8)  12.0 ms  11.8 ms  12.3 ms
`
	findings := ParseTraceroute(output)
	require.NotNil(t, findings)
	assert.Equal(t, 4, findings["hop_count"])
	assert.Equal(t, 1, findings["unresponsive_hops"])

	assert.Nil(t, ParseTraceroute("traceroute: unknown host"))
}

func TestParseDNS(t *testing.T) {
	t.Parallel()

	findings := ParseDNS("142.250.80.46\n142.250.80.78\n")
	require.NotNil(t, findings)
	assert.Equal(t, true, findings["resolved"])
	assert.Equal(t, 2, findings["answer_count"])
	assert.Equal(t, []string{"142.250.80.46", "142.250.80.78"}, findings["answers"])

	empty := ParseDNS("\n")
	assert.Equal(t, false, empty["resolved"])
}
