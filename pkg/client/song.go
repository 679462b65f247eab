package client

// Song is one track returned by the search API.
type Song struct {
	TrackID        int64  `json:"trackId"`
	TrackName      string `json:"trackName"`
	ArtistName     string `json:"artistName"`
	CollectionName string `json:"collectionName,omitempty"`
	PreviewURL     string `json:"previewUrl,omitempty"`
	ArtworkURL     string `json:"artworkUrl100,omitempty"`
}

// Title is the primary line shown for the song in a list.
func (s Song) Title() string {
	return s.TrackName
}

// Subtitle is the secondary line shown for the song in a list.
func (s Song) Subtitle() string {
	return s.ArtistName
}

// SearchResponse is the body of a search API response.
type SearchResponse struct {
	ResultCount int    `json:"resultCount"`
	Results     []Song `json:"results"`
}
