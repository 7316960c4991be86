package api

import "board-sync/domain"

const (
	postCommandMaxSize = 64 * 1024 // 64 KiB
	maxCommandsPerPost = 100
)

// /POST /api/boards request body
type createBoardRequest struct {
	Title string `json:"title"`
}

// /POST /api/commands response body
type postCommandResponse struct {
	Results []domain.CommandResult `json:"results,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
