package gmail

// Profile is the response of users.getProfile.
type Profile struct {
	EmailAddress  string `json:"emailAddress"`
	MessagesTotal int    `json:"messagesTotal"`
	ThreadsTotal  int    `json:"threadsTotal"`
}

// MessageRef is one entry of a messages.list page.
type MessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// MessageList is the response of messages.list.
type MessageList struct {
	Messages           []MessageRef `json:"messages"`
	NextPageToken      string       `json:"nextPageToken"`
	ResultSizeEstimate int          `json:"resultSizeEstimate"`
}

// Header is a single RFC 5322 header of a message part.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PartBody holds base64url-encoded part content.
type PartBody struct {
	Size int    `json:"size"`
	Data string `json:"data"`
}

// Part is a node of the message MIME tree.
type Part struct {
	PartID   string   `json:"partId"`
	MimeType string   `json:"mimeType"`
	Filename string   `json:"filename"`
	Headers  []Header `json:"headers"`
	Body     PartBody `json:"body"`
	Parts    []Part   `json:"parts"`
}

// Message is the response of messages.get.
type Message struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"threadId"`
	LabelIDs     []string `json:"labelIds"`
	Snippet      string   `json:"snippet"`
	InternalDate string   `json:"internalDate"`
	Payload      *Part    `json:"payload"`
}

// Label is a mailbox label. Counts are only present on labels.get.
type Label struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	MessagesTotal  *int   `json:"messagesTotal"`
	MessagesUnread *int   `json:"messagesUnread"`
}

// LabelList is the response of labels.list.
type LabelList struct {
	Labels []Label `json:"labels"`
}

// ModifyRequest is the body of messages.modify.
type ModifyRequest struct {
	AddLabelIDs    []string `json:"addLabelIds,omitempty"`
	RemoveLabelIDs []string `json:"removeLabelIds,omitempty"`
}

// ErrorResponse is the JSON error envelope of the API.
type ErrorResponse struct {
	Error struct {
		Code    int           `json:"code"`
		Message string        `json:"message"`
		Status  string        `json:"status"`
		Errors  []ErrorDetail `json:"errors"`
	} `json:"error"`
}

// ErrorDetail is one entry of the error envelope's errors list.
type ErrorDetail struct {
	Domain  string `json:"domain"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}
