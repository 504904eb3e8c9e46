package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultClient    ResultType = "client"
	ResultDocument  ResultType = "document"
	ResultMilestone ResultType = "milestone"
)

// ParseType maps a query parameter to a ResultType; ok is false for unknown
// values. The empty string means all types.
func ParseType(raw string) (ResultType, bool) {
	switch ResultType(raw) {
	case "", ResultClient, ResultDocument, ResultMilestone:
		return ResultType(raw), true
	default:
		return "", false
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	ClientID   string     `json:"clientId"`
	ClientName string     `json:"clientName"`
}

// Query describes a search request. BrokerID restricts hits to cases the
// broker can read unless AllCases is set.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	BrokerID   string
	AllCases   bool
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// ClientRecord is the data we index for a case.
type ClientRecord struct {
	ID              string   `json:"id"`
	FullName        string   `json:"fullName"`
	Email           string   `json:"email"`
	PropertyAddress string   `json:"propertyAddress"`
	Stage           string   `json:"stage"`
	BrokerIDs       []string `json:"brokerIds"`
}

// DocumentRecord is the data we index for a requested document.
type DocumentRecord struct {
	ID         string   `json:"id"`
	ClientID   string   `json:"clientId"`
	ClientName string   `json:"clientName"`
	Name       string   `json:"name"`
	Category   string   `json:"category"`
	Status     string   `json:"status"`
	BrokerIDs  []string `json:"brokerIds"`
}

// MilestoneRecord is the data we index for a milestone.
type MilestoneRecord struct {
	ID          string   `json:"id"`
	ClientID    string   `json:"clientId"`
	ClientName  string   `json:"clientName"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	BrokerIDs   []string `json:"brokerIds"`
}

// Records is a batch of index entries, usually everything for one case.
type Records struct {
	Clients    []ClientRecord
	Documents  []DocumentRecord
	Milestones []MilestoneRecord
}

func (r Records) Empty() bool {
	return len(r.Clients) == 0 && len(r.Documents) == 0 && len(r.Milestones) == 0
}
