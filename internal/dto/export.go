package dto

import "time"

// ExportQuery selects the day and format for the daily pickup log export.
type ExportQuery struct {
	Date   string `form:"date"`
	Format string `form:"format"`
}

// ExportResponse points at a generated export file.
type ExportResponse struct {
	FileName    string    `json:"file_name"`
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}
