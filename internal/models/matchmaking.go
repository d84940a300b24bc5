package models

import "time"

type BatchStatus string

const (
	BatchStatusPending        BatchStatus = "pending"
	BatchStatusReadyRequested BatchStatus = "ready_requested"
)

// Batch 핸드오프로 생성된 매칭 배치
type Batch struct {
	ID             string       `json:"id" db:"id"`
	ParticipantIDs []string     `json:"participantIds" db:"participant_ids"`
	Players        []QueueEntry `json:"players" db:"players"`
	CreatedAt      time.Time    `json:"createdAt" db:"created_at"`
	Status         BatchStatus  `json:"status" db:"status"`
}

// Assignment 참가자별 배치 할당 기록 (참가자당 active는 최대 1개)
type Assignment struct {
	ParticipantID string    `json:"participantId" db:"participant_id"`
	BatchID       string    `json:"batchId" db:"batch_id"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	Active        bool      `json:"active" db:"active"`
}

type CohortStatus string

const (
	CohortStatusPending CohortStatus = "pending"
)

type Acceptance string

const (
	AcceptanceAccepted Acceptance = "accepted"
	AcceptancePending  Acceptance = "pending"
)

// Teams 팀 밸런서 결과
type Teams struct {
	TeamA []QueueEntry `json:"time1"`
	TeamB []QueueEntry `json:"time2"`
}

// ReadyCheckCohort 레디 체크 대기 중인 그룹
type ReadyCheckCohort struct {
	ID             string                `json:"id" db:"id"`
	Status         CohortStatus          `json:"status" db:"status"`
	Deadline       time.Time             `json:"timestampFim" db:"deadline"`
	Participants   []QueueEntry          `json:"jogadores" db:"participants"`
	ParticipantIDs []string              `json:"uids" db:"participant_ids"`
	Acceptances    map[string]Acceptance `json:"playerAcceptances" db:"acceptances"`
	Teams          Teams                 `json:"times" db:"teams"`
	CreatedAt      time.Time             `json:"createdAt" db:"created_at"`
}

// Lease 활성 워커 선출용 리스
type Lease struct {
	Name      string    `json:"name" db:"name"`
	OwnerID   string    `json:"ownerId" db:"owner_id"`
	ExpiresAt time.Time `json:"expiresAt" db:"expires_at"`
}

// MatchmakingSettings 매칭 설정 (config/matchmakingSettings)
type MatchmakingSettings struct {
	AutomaticQueueEnabled bool `json:"automaticQueueEnabled" db:"automatic_queue_enabled"`
}
