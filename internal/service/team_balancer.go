package service

import (
	"sort"

	"github.com/Maquiado/queue-bot/internal/models"
)

// tierValues 티어 이름별 기준 점수
var tierValues = map[string]int{
	"Ferro":       100,
	"Bronze":      200,
	"Prata":       300,
	"Ouro":        500,
	"Platina":     800,
	"Esmeralda":   1100,
	"Diamante":    1500,
	"Mestre":      2100,
	"Grão-Mestre": 2300,
	"Desafiante":  2500,
}

// TierValue 티어 점수 (알 수 없는 티어는 0)
func TierValue(tier string) int {
	return tierValues[tier]
}

// BalanceTeams 티어 점수 내림차순으로 정렬한 뒤 A, B 팀에 번갈아 배정
// 점수가 같으면 입력 순서를 유지한다
func BalanceTeams(participants []models.QueueEntry) models.Teams {
	sorted := make([]models.QueueEntry, len(participants))
	copy(sorted, participants)
	sort.SliceStable(sorted, func(i, j int) bool {
		return TierValue(sorted[i].Rank) > TierValue(sorted[j].Rank)
	})

	teams := models.Teams{
		TeamA: make([]models.QueueEntry, 0, (len(sorted)+1)/2),
		TeamB: make([]models.QueueEntry, 0, len(sorted)/2),
	}
	for i, p := range sorted {
		if i%2 == 0 {
			teams.TeamA = append(teams.TeamA, p)
		} else {
			teams.TeamB = append(teams.TeamB, p)
		}
	}
	return teams
}
