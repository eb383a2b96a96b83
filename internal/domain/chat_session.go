package domain

import (
	"time"
)

// ChatSession stores the persisted chat history of one user for one
// curriculum.
type ChatSession struct {
	ID           string
	UserID       string
	CurriculumID string
	Messages     []HistoryMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CurriculumContext describes the learning context a conversation is scoped to.
type CurriculumContext struct {
	CurriculumID    string `json:"curriculum_id"`
	CurriculumTitle string `json:"curriculum_title,omitempty"`
	LearningGoal    string `json:"learning_goal,omitempty"`
	DifficultyLevel string `json:"difficulty_level,omitempty"`
	DayNumber       int    `json:"current_day_number,omitempty"`
	DayTitle        string `json:"current_day_title,omitempty"`
}
