package tui

import (
	"time"

	"github.com/fentz26/flowgate/internal/models"
)

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type workflowsLoadedMsg struct {
	workflows []models.Workflow
}

type workflowDetailLoadedMsg struct {
	workflow *models.Workflow
	events   []models.Event
}

type apiStatusMsg struct {
	online bool
}

type tickMsg time.Time
