package db

// ForfeitedAttempts marks an attempt row that was given up.
const ForfeitedAttempts = -1

type Question struct {
	ID        int
	Answer    string
	BaseScore int
}

type Team struct {
	ID                   int
	Name                 string
	Members              []string
	CompletedQuestionIDs []int
	TotalScore           int
}

// HasCompleted reports whether questionID is in the team's completed set.
func (t Team) HasCompleted(questionID int) bool {
	for _, id := range t.CompletedQuestionIDs {
		if id == questionID {
			return true
		}
	}
	return false
}

// Attempt is one team's progress on one question.
type Attempt struct {
	QuestionID     int
	TeamID         int
	Attempts       int
	ElapsedSeconds int
	Completed      bool
}

func (a Attempt) Forfeited() bool {
	return a.Completed && a.Attempts == ForfeitedAttempts
}
