// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス収集のインターフェース。
// コーディネーター、ラベル遷移、取り込み処理から利用する。
type Recorder interface {
	RecordClaimsGranted(count int)
	RecordClaimExhausted()
	RecordClaimLatency(duration time.Duration)
	RecordRelease(ok bool)
	RecordExtend(ok bool)
	RecordReclaimed(count int64)
	RecordForceReleased(count int64)
	RecordLabelApplied(label string)
	RecordTrained(count int64)
	RecordIngest(added, skipped int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	claimsGranted  prometheus.Counter
	claimExhausted prometheus.Counter
	claimLatency   prometheus.Histogram
	releases       *prometheus.CounterVec
	extends        *prometheus.CounterVec
	reclaimed      prometheus.Counter
	forceReleased  prometheus.Counter
	labelsApplied  *prometheus.CounterVec
	trained        prometheus.Counter
	ingestAdded    prometheus.Counter
	ingestSkipped  prometheus.Counter
}

var _ Recorder = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		claimsGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labelq_claims_granted_total",
			Help: "予約に成功したクレームの合計数",
		}),
		claimExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labelq_claim_exhausted_total",
			Help: "適格なアイテムが尽きてバッチが打ち切られた回数",
		}),
		claimLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "labelq_claim_batch_seconds",
			Help:    "バッチクレームの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labelq_claim_releases_total",
			Help: "クレーム解放の試行数（結果別）",
		}, []string{"result"}),
		extends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labelq_claim_extends_total",
			Help: "クレーム延長の試行数（結果別）",
		}, []string{"result"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labelq_claims_reclaimed_total",
			Help: "期限切れにより回収されたクレームの合計数",
		}),
		forceReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labelq_claims_force_released_total",
			Help: "管理操作で強制解放されたクレームの合計数",
		}),
		labelsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labelq_labels_applied_total",
			Help: "ラベル別の適用数",
		}, []string{"label"}),
		trained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labelq_items_trained_total",
			Help: "学習済みにされたアイテムの合計数",
		}),
		ingestAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labelq_ingest_added_total",
			Help: "取り込みで追加されたアイテムの合計数",
		}),
		ingestSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labelq_ingest_skipped_total",
			Help: "取り込みで既存のためスキップされたアイテムの合計数",
		}),
	}

	reg.MustRegister(
		c.claimsGranted,
		c.claimExhausted,
		c.claimLatency,
		c.releases,
		c.extends,
		c.reclaimed,
		c.forceReleased,
		c.labelsApplied,
		c.trained,
		c.ingestAdded,
		c.ingestSkipped,
	)

	return c
}

// RecordClaimsGranted は予約に成功したクレーム数を記録する。
func (c *Collector) RecordClaimsGranted(count int) {
	c.claimsGranted.Add(float64(count))
}

// RecordClaimExhausted は適格なアイテムが尽きたことを記録する。
func (c *Collector) RecordClaimExhausted() {
	c.claimExhausted.Inc()
}

// RecordClaimLatency はバッチクレームの所要時間を記録する。
func (c *Collector) RecordClaimLatency(duration time.Duration) {
	c.claimLatency.Observe(duration.Seconds())
}

// RecordRelease はクレーム解放の結果を記録する。
func (c *Collector) RecordRelease(ok bool) {
	c.releases.WithLabelValues(result(ok)).Inc()
}

// RecordExtend はクレーム延長の結果を記録する。
func (c *Collector) RecordExtend(ok bool) {
	c.extends.WithLabelValues(result(ok)).Inc()
}

// RecordReclaimed は回収されたクレーム数を記録する。
func (c *Collector) RecordReclaimed(count int64) {
	c.reclaimed.Add(float64(count))
}

// RecordForceReleased は強制解放されたクレーム数を記録する。
func (c *Collector) RecordForceReleased(count int64) {
	c.forceReleased.Add(float64(count))
}

// RecordLabelApplied は適用されたラベルを記録する。
func (c *Collector) RecordLabelApplied(label string) {
	c.labelsApplied.WithLabelValues(label).Inc()
}

// RecordTrained は学習済みにされたアイテム数を記録する。
func (c *Collector) RecordTrained(count int64) {
	c.trained.Add(float64(count))
}

// RecordIngest は取り込み結果を記録する。
func (c *Collector) RecordIngest(added, skipped int) {
	c.ingestAdded.Add(float64(added))
	c.ingestSkipped.Add(float64(skipped))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "rejected"
}

// Nop は何も記録しないRecorder。テストやメトリクス無効時に使用する。
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) RecordClaimsGranted(int)          {}
func (Nop) RecordClaimExhausted()            {}
func (Nop) RecordClaimLatency(time.Duration) {}
func (Nop) RecordRelease(bool)               {}
func (Nop) RecordExtend(bool)                {}
func (Nop) RecordReclaimed(int64)            {}
func (Nop) RecordForceReleased(int64)        {}
func (Nop) RecordLabelApplied(string)        {}
func (Nop) RecordTrained(int64)              {}
func (Nop) RecordIngest(int, int)            {}

// OrNop はrがnilの場合にNopを返す。
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
