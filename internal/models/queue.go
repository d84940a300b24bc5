package models

import "time"

type QueueSource string

const (
	QueueSourceAuto   QueueSource = "auto"
	QueueSourceManual QueueSource = "manual"
)

// QueueEntry 공유 매칭 큐의 대기 항목
type QueueEntry struct {
	ID            string            `json:"id" db:"id"`
	ParticipantID string            `json:"uid" db:"participant_id"`
	EnqueuedAt    time.Time         `json:"timestamp" db:"enqueued_at"`
	Rank          string            `json:"elo,omitempty" db:"rank"`
	Region        string            `json:"region,omitempty" db:"region"`
	Source        QueueSource       `json:"source,omitempty" db:"source"`
	BannedUntil   *time.Time        `json:"matchmakingBanUntil,omitempty" db:"banned_until"`
	FrameColor    string            `json:"frameColor,omitempty" db:"-"`
	FrameStyle    string            `json:"frameStyle,omitempty" db:"-"`
	Attrs         map[string]string `json:"attrs,omitempty" db:"attrs"`
}

// IsBanned 밴 기간이 아직 끝나지 않았는지 확인
func (e *QueueEntry) IsBanned(now time.Time) bool {
	return e.BannedUntil != nil && now.Before(*e.BannedUntil)
}

// IsManual 수동으로 등록된 항목인지 확인 (레디 체크 자동 수락)
func (e *QueueEntry) IsManual() bool {
	if e.Source == QueueSourceManual {
		return true
	}
	return e.Attrs != nil && e.Attrs["tipo"] == string(QueueSourceManual)
}

// Field 요약(summary) 집계용 필드 값 조회
func (e *QueueEntry) Field(name string) (string, bool) {
	switch name {
	case "id":
		return e.ID, e.ID != ""
	case "uid", "participantId":
		return e.ParticipantID, e.ParticipantID != ""
	case "elo", "rank":
		return e.Rank, e.Rank != ""
	case "region":
		return e.Region, e.Region != ""
	case "source":
		return string(e.Source), e.Source != ""
	case "frameColor":
		return e.FrameColor, e.FrameColor != ""
	case "frameStyle":
		return e.FrameStyle, e.FrameStyle != ""
	}
	v, ok := e.Attrs[name]
	return v, ok && v != ""
}

// Clone 깊은 복사 (캐시 외부로 노출할 때 사용)
func (e QueueEntry) Clone() QueueEntry {
	if e.BannedUntil != nil {
		t := *e.BannedUntil
		e.BannedUntil = &t
	}
	if e.Attrs != nil {
		attrs := make(map[string]string, len(e.Attrs))
		for k, v := range e.Attrs {
			attrs[k] = v
		}
		e.Attrs = attrs
	}
	return e
}

type QueueChangeType string

const (
	QueueChangeAdded    QueueChangeType = "added"
	QueueChangeModified QueueChangeType = "modified"
	QueueChangeRemoved  QueueChangeType = "removed"
)

// QueueChange 큐 변경 알림 (추가/수정/삭제)
type QueueChange struct {
	Type  QueueChangeType `json:"type"`
	Entry QueueEntry      `json:"entry"`
}
