package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// The leaderboard tracks how models place in Stage-2 peer rankings over
// time, overall and per department. Data lives in a single JSON file
// guarded by a process-wide mutex.

var leaderboardMu sync.Mutex

// maxLeaderboardRecords caps per-session history kept on disk
const maxLeaderboardRecords = 1000

// LeaderboardRecord is one council session's aggregate rankings
type LeaderboardRecord struct {
	Timestamp      time.Time          `json:"timestamp"`
	ConversationID string             `json:"conversation_id"`
	Department     string             `json:"department"`
	BusinessID     string             `json:"business_id,omitempty"`
	Rankings       []AggregateRanking `json:"rankings"`
}

// ModelStats accumulates a model's placement history
type ModelStats struct {
	TotalScore float64 `json:"total_score"`
	Sessions   int     `json:"sessions"`
	Wins       int     `json:"wins"`
}

// LeaderboardAggregates holds running totals, overall and per department
type LeaderboardAggregates struct {
	Overall      map[string]*ModelStats            `json:"overall"`
	ByDepartment map[string]map[string]*ModelStats `json:"by_department"`
}

// LeaderboardData is the on-disk leaderboard document
type LeaderboardData struct {
	Records    []LeaderboardRecord   `json:"records"`
	Aggregates LeaderboardAggregates `json:"aggregates"`
}

// LeaderboardEntry is one row of a rendered leaderboard, sorted by average
// rank ascending (lower is better)
type LeaderboardEntry struct {
	Model    string  `json:"model"`
	AvgRank  float64 `json:"avg_rank"`
	Sessions int     `json:"sessions"`
	Wins     int     `json:"wins"`
	WinRate  float64 `json:"win_rate"`
}

// LeaderboardGroup is a leaderboard with its current leader
type LeaderboardGroup struct {
	Leader      *LeaderboardEntry  `json:"leader"`
	Sessions    int                `json:"sessions"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

// LeaderboardSummary combines the overall board with per-department boards
type LeaderboardSummary struct {
	Overall     LeaderboardGroup            `json:"overall"`
	Departments map[string]LeaderboardGroup `json:"departments"`
}

func emptyLeaderboard() *LeaderboardData {
	return &LeaderboardData{
		Records: []LeaderboardRecord{},
		Aggregates: LeaderboardAggregates{
			Overall:      map[string]*ModelStats{},
			ByDepartment: map[string]map[string]*ModelStats{},
		},
	}
}

// loadLeaderboard reads the leaderboard file, returning an empty document
// on any failure so recording is never blocked by a corrupt file
func loadLeaderboard() *LeaderboardData {
	data, err := os.ReadFile(LeaderboardFile)
	if err != nil {
		return emptyLeaderboard()
	}

	var board LeaderboardData
	if err := json.Unmarshal(data, &board); err != nil {
		log.Printf("Error loading leaderboard: %v", err)
		return emptyLeaderboard()
	}

	if board.Aggregates.Overall == nil {
		board.Aggregates.Overall = map[string]*ModelStats{}
	}
	if board.Aggregates.ByDepartment == nil {
		board.Aggregates.ByDepartment = map[string]map[string]*ModelStats{}
	}
	return &board
}

func saveLeaderboard(board *LeaderboardData) error {
	if err := os.MkdirAll(filepath.Dir(LeaderboardFile), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.MarshalIndent(board, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal leaderboard: %w", err)
	}

	if err := os.WriteFile(LeaderboardFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write leaderboard file: %w", err)
	}
	return nil
}

// RecordSessionRankings records one session's aggregate rankings.
// The first entry in rankings is the session winner. Empty rankings are
// ignored. Department defaults to "standard".
func RecordSessionRankings(conversationID string, department string, businessID string, rankings []AggregateRanking) error {
	if len(rankings) == 0 {
		return nil
	}
	if department == "" {
		department = "standard"
	}

	leaderboardMu.Lock()
	defer leaderboardMu.Unlock()

	board := loadLeaderboard()

	board.Records = append(board.Records, LeaderboardRecord{
		Timestamp:      time.Now().UTC(),
		ConversationID: conversationID,
		Department:     department,
		BusinessID:     businessID,
		Rankings:       rankings,
	})
	if len(board.Records) > maxLeaderboardRecords {
		board.Records = board.Records[len(board.Records)-maxLeaderboardRecords:]
	}

	applyToStats(board.Aggregates.Overall, rankings)

	if board.Aggregates.ByDepartment[department] == nil {
		board.Aggregates.ByDepartment[department] = map[string]*ModelStats{}
	}
	applyToStats(board.Aggregates.ByDepartment[department], rankings)

	return saveLeaderboard(board)
}

func applyToStats(stats map[string]*ModelStats, rankings []AggregateRanking) {
	for i, ranking := range rankings {
		s := stats[ranking.Model]
		if s == nil {
			s = &ModelStats{}
			stats[ranking.Model] = s
		}
		s.TotalScore += ranking.AverageRank
		s.Sessions++
		if i == 0 {
			s.Wins++
		}
	}
}

func buildEntries(stats map[string]*ModelStats) []LeaderboardEntry {
	entries := []LeaderboardEntry{}
	for model, s := range stats {
		if s.Sessions == 0 {
			continue
		}
		entries = append(entries, LeaderboardEntry{
			Model:    model,
			AvgRank:  math.Round(s.TotalScore/float64(s.Sessions)*100) / 100,
			Sessions: s.Sessions,
			Wins:     s.Wins,
			WinRate:  math.Round(float64(s.Wins)/float64(s.Sessions)*1000) / 10,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].AvgRank != entries[j].AvgRank {
			return entries[i].AvgRank < entries[j].AvgRank
		}
		return entries[i].Model < entries[j].Model
	})
	return entries
}

func buildGroup(entries []LeaderboardEntry) LeaderboardGroup {
	group := LeaderboardGroup{Leaderboard: entries}
	if len(entries) > 0 {
		leader := entries[0]
		group.Leader = &leader
		total := 0
		for _, e := range entries {
			total += e.Sessions
		}
		group.Sessions = total / len(entries)
	}
	return group
}

// GetOverallLeaderboard returns the all-time leaderboard
func GetOverallLeaderboard() []LeaderboardEntry {
	leaderboardMu.Lock()
	defer leaderboardMu.Unlock()
	return buildEntries(loadLeaderboard().Aggregates.Overall)
}

// GetDepartmentLeaderboard returns one department's leaderboard
func GetDepartmentLeaderboard(department string) []LeaderboardEntry {
	leaderboardMu.Lock()
	defer leaderboardMu.Unlock()
	return buildEntries(loadLeaderboard().Aggregates.ByDepartment[department])
}

// GetLeaderboardSummary returns the overall board plus every department's
// board, each with its current leader
func GetLeaderboardSummary() LeaderboardSummary {
	leaderboardMu.Lock()
	defer leaderboardMu.Unlock()

	board := loadLeaderboard()

	summary := LeaderboardSummary{
		Overall:     buildGroup(buildEntries(board.Aggregates.Overall)),
		Departments: map[string]LeaderboardGroup{},
	}
	for department, stats := range board.Aggregates.ByDepartment {
		summary.Departments[department] = buildGroup(buildEntries(stats))
	}
	return summary
}
