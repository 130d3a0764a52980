package types

// Wire-level shapes shared by the REST client, the socket engine and the
// dev server. Field names follow the backend's JSON contract.

type User struct {
	Id        int    `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

// DisplayName returns the best human-readable label for a user.
func (u User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.Email != "":
		return u.Email
	default:
		return ""
	}
}

type Organization struct {
	Id           int    `json:"id"`
	OfficialName string `json:"official_name"`
	DisplayName  string `json:"display_name,omitempty"`
	Logo         string `json:"logo,omitempty"`
}

type Room struct {
	Id           int      `json:"id"`
	Name         string   `json:"name"`
	Organization int      `json:"organization,omitempty"`
	Members      []User   `json:"members"`
	LastMessage  *Message `json:"last_message,omitempty"`
}

type Attachment struct {
	Id   int    `json:"id"`
	Url  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Message is a server-acknowledged chat message. DateCreated is unix
// seconds, matching the backend's date_created field.
type Message struct {
	Id          int          `json:"id"`
	Room        int          `json:"room"`
	Owner       int          `json:"owner"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	DateCreated int64        `json:"date_created"`
}

// Paginated result envelopes, page-number style.

type RoomPage struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []Room  `json:"results"`
}

type MessagePage struct {
	Count    int       `json:"count"`
	Next     *string   `json:"next"`
	Previous *string   `json:"previous"`
	Results  []Message `json:"results"`
}

type OrganizationPage struct {
	Count    int            `json:"count"`
	Next     *string        `json:"next"`
	Previous *string        `json:"previous"`
	Results  []Organization `json:"results"`
}

type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}
