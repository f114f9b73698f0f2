package semanticscholar

// paperResult is the API representation of a paper.
type paperResult struct {
	PaperID       string       `json:"paperId"`
	Title         string       `json:"title"`
	Year          int          `json:"year"`
	CitationCount int          `json:"citationCount"`
	ExternalIDs   *externalIDs `json:"externalIds"`
	Authors       []author     `json:"authors"`
}

// externalIDs holds a paper's identifiers in other systems.
type externalIDs struct {
	DOI string `json:"DOI"`
}

// author is the API representation of a paper author.
type author struct {
	AuthorID string `json:"authorId"`
	Name     string `json:"name"`
}

// referenceEntry wraps a cited paper in the references endpoint response.
type referenceEntry struct {
	CitedPaper paperResult `json:"citedPaper"`
}

// citationEntry wraps a citing paper in the citations endpoint response.
type citationEntry struct {
	CitingPaper paperResult `json:"citingPaper"`
}

// referencesResponse is the paged response of the references endpoint.
type referencesResponse struct {
	Offset int              `json:"offset"`
	Next   int              `json:"next"`
	Data   []referenceEntry `json:"data"`
}

// citationsResponse is the paged response of the citations endpoint.
type citationsResponse struct {
	Offset int             `json:"offset"`
	Next   int             `json:"next"`
	Data   []citationEntry `json:"data"`
}

// batchRequest is the body of the paper batch endpoint.
type batchRequest struct {
	IDs []string `json:"ids"`
}

// errorResponse is the API error body.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
