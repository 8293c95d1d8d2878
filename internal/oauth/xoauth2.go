package oauth

import "github.com/emersion/go-sasl"

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Gmail,
// Outlook, and Yahoo for IMAP and SMTP bearer authentication.
type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2 returns a sasl.Client performing XOAUTH2 with the given
// username and access token.
func NewXOAuth2(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

// Start returns the mechanism name and the XOAUTH2 initial response,
// "user=<user>\x01auth=Bearer <token>\x01\x01".
func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

// Next handles the server challenge. XOAUTH2 only challenges on error,
// with a JSON status blob; responding with an empty line completes the
// exchange and surfaces the failure as an authentication error.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
