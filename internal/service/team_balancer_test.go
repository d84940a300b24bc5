package service

import (
	"testing"

	"github.com/Maquiado/queue-bot/internal/models"
	"github.com/stretchr/testify/assert"
)

func ids(entries []models.QueueEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ParticipantID)
	}
	return out
}

func TestTierValue(t *testing.T) {
	tests := []struct {
		tier     string
		expected int
	}{
		{"Ferro", 100},
		{"Ouro", 500},
		{"Grão-Mestre", 2300},
		{"Desafiante", 2500},
		{"", 0},
		{"Unranked", 0},
	}

	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			assert.Equal(t, tt.expected, TierValue(tt.tier))
		})
	}
}

func TestBalanceTeams(t *testing.T) {
	t.Run("티어 내림차순 교대 배정", func(t *testing.T) {
		players := []models.QueueEntry{
			{ParticipantID: "p1", Rank: "Ferro"},
			{ParticipantID: "p2", Rank: "Desafiante"},
			{ParticipantID: "p3", Rank: "Ouro"},
			{ParticipantID: "p4", Rank: "Prata"},
		}

		teams := BalanceTeams(players)

		assert.Equal(t, []string{"p2", "p4"}, ids(teams.TeamA))
		assert.Equal(t, []string{"p3", "p1"}, ids(teams.TeamB))
	})

	t.Run("같은 티어는 입력 순서 유지", func(t *testing.T) {
		players := []models.QueueEntry{
			{ParticipantID: "a", Rank: "Ouro"},
			{ParticipantID: "b", Rank: "Ouro"},
			{ParticipantID: "c", Rank: "Ouro"},
		}

		teams := BalanceTeams(players)

		assert.Equal(t, []string{"a", "c"}, ids(teams.TeamA))
		assert.Equal(t, []string{"b"}, ids(teams.TeamB))
	})

	t.Run("알 수 없는 티어는 맨 뒤", func(t *testing.T) {
		players := []models.QueueEntry{
			{ParticipantID: "x", Rank: "???"},
			{ParticipantID: "y", Rank: "Bronze"},
		}

		teams := BalanceTeams(players)

		assert.Equal(t, []string{"y"}, ids(teams.TeamA))
		assert.Equal(t, []string{"x"}, ids(teams.TeamB))
	})

	t.Run("입력 슬라이스는 변경하지 않음", func(t *testing.T) {
		players := []models.QueueEntry{
			{ParticipantID: "low", Rank: "Ferro"},
			{ParticipantID: "high", Rank: "Mestre"},
		}

		BalanceTeams(players)

		assert.Equal(t, "low", players[0].ParticipantID)
	})

	t.Run("빈 입력", func(t *testing.T) {
		teams := BalanceTeams(nil)
		assert.Empty(t, teams.TeamA)
		assert.Empty(t, teams.TeamB)
	})
}
