package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LeaseHeld 워커의 리스 보유 여부 (1 보유, 0 미보유)
var LeaseHeld = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "queuebot_lease_held",
		Help: "Whether this worker currently holds the lease",
	},
	[]string{"lease", "worker_id"},
)

// PollInterval 현재 폴링 주기 (초)
var PollInterval = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "queuebot_poll_interval_seconds",
		Help: "Current adaptive poll interval",
	},
)

// SyncedEntriesTotal 동기화로 새로 캐시된 큐 항목 수
var SyncedEntriesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "queuebot_synced_entries_total",
		Help: "Total fresh queue entries ingested by sync",
	},
)

// CacheSize 로컬 큐 캐시 크기
var CacheSize = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "queuebot_cache_size",
		Help: "Current number of cached queue entries",
	},
)

// BatchesFormedTotal 핸드오프로 생성된 배치 수
var BatchesFormedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "queuebot_batches_formed_total",
		Help: "Total batches committed by the handoff engine",
	},
)

// CohortsFormedTotal 레디 체크 코호트 생성 수
var CohortsFormedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "queuebot_cohorts_formed_total",
		Help: "Total ready-check cohorts committed",
	},
)

// FormationConflictsTotal 트랜잭션 충돌로 포기한 형성 시도 수
var FormationConflictsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "queuebot_formation_conflicts_total",
		Help: "Total formation attempts abandoned on transaction conflict",
	},
	[]string{"path"},
)

// NotifyFailuresTotal 매치메이커 알림 실패 수
var NotifyFailuresTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "queuebot_notify_failures_total",
		Help: "Total failed downstream matchmaker notifications",
	},
)

// BroadcastSubscribers 현재 브로드캐스트 구독자 수
var BroadcastSubscribers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "queuebot_broadcast_subscribers",
		Help: "Current broadcast subscribers (SSE and WebSocket)",
	},
)

// BroadcastDroppedTotal 버퍼가 가득 차 끊긴 구독자 수
var BroadcastDroppedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "queuebot_broadcast_dropped_total",
		Help: "Total subscribers dropped because their buffer was full",
	},
)

// ChangeFeedOverflowTotal 버퍼가 가득 차 끊긴 큐 변경 구독 수
var ChangeFeedOverflowTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "queuebot_change_feed_overflow_total",
		Help: "Total queue change subscriptions closed because their buffer was full",
	},
)

const (
	PathHandoff    = "handoff"
	PathReadyCheck = "ready_check"
)
