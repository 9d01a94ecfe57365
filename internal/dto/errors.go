package dto

type ValidationError struct {
	Field   string `json:"field" example:"output_format"`
	Message string `json:"message" example:"unsupported output format"`
}
