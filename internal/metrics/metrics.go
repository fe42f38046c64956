// Package metrics contains all application-logic metrics, exported the
// way metrics/metrics.go does: package-level VictoriaMetrics/metrics
// collectors wrapped in small Inc/Observe/Set functions so call sites
// never touch the metrics package directly.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

var (
	txsSubmittedTotal  = metrics.NewCounter("relayer_txs_submitted_total")
	txsConfirmedTotal  = metrics.NewCounter("relayer_txs_confirmed_total")
	txsFailedTotal     = metrics.NewCounter("relayer_txs_failed_total")
	txsReplacedTotal   = metrics.NewCounter("relayer_txs_replaced_total")
	txsExpiredTotal    = metrics.NewCounter("relayer_txs_expired_total")

	nonceGapFillersTotal = metrics.NewCounter("relayer_nonce_gap_fillers_total")

	rpcEndpointFailuresTotal = metrics.NewCounter("relayer_rpc_endpoint_failures_total")
	rpcEndpointCooldownsTotal = metrics.NewCounter("relayer_rpc_endpoint_cooldowns_total")

	signerPermanentFailuresTotal = metrics.NewCounter("relayer_signer_permanent_failures_total")

	policyRejectionsTotal = metrics.NewCounter("relayer_policy_rejections_total")
)

func IncTxsSubmitted()  { txsSubmittedTotal.Inc() }
func IncTxsConfirmed()  { txsConfirmedTotal.Inc() }
func IncTxsFailed()     { txsFailedTotal.Inc() }
func IncTxsReplaced()   { txsReplacedTotal.Inc() }
func IncTxsExpired()    { txsExpiredTotal.Inc() }

func IncNonceGapFillers() { nonceGapFillersTotal.Inc() }

func IncRPCEndpointFailure()  { rpcEndpointFailuresTotal.Inc() }
func IncRPCEndpointCooldown() { rpcEndpointCooldownsTotal.Inc() }

func IncSignerPermanentFailure() { signerPermanentFailuresTotal.Inc() }

func IncPolicyRejection() { policyRejectionsTotal.Inc() }

// endpointHealth backs the labeled health gauges below: VictoriaMetrics'
// Gauge is pull-based (a callback polled on scrape), so the mutable
// state lives here and the gauge just reads it.
var (
	endpointHealthMu sync.Mutex
	endpointHealth    = make(map[string]*int32)
)

func endpointHealthFlag(networkID, url string) *int32 {
	key := networkID + "\x00" + url
	endpointHealthMu.Lock()
	defer endpointHealthMu.Unlock()
	flag, ok := endpointHealth[key]
	if !ok {
		flag = new(int32)
		endpointHealth[key] = flag
		metrics.GetOrCreateGauge(
			`relayer_rpc_endpoint_healthy{network_id="`+networkID+`",url="`+url+`"}`,
			func() float64 { return float64(atomic.LoadInt32(flag)) },
		)
	}
	return flag
}

// SetEndpointHealthy flips the labeled gauge for one endpoint.
func SetEndpointHealthy(networkID, url string, healthy bool) {
	flag := endpointHealthFlag(networkID, url)
	if healthy {
		atomic.StoreInt32(flag, 1)
	} else {
		atomic.StoreInt32(flag, 0)
	}
}
