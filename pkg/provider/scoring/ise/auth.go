package ise

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
)

// Credentials identify the application to the ISE service. Host and Path
// are the parts of the endpoint covered by the signature.
type Credentials struct {
	AppID     string
	APIKey    string
	APISecret string
	Host      string
	Path      string
}

// Sign returns the authorization value for a connection opened at date, which
// must be an HTTP-date (time.Time.UTC().Format(http.TimeFormat)). The result
// depends only on its inputs; a new value must be computed per dial because
// the service rejects stale dates.
func Sign(c Credentials, date string) string {
	origin := fmt.Sprintf("host: %s\ndate: %s\nGET %s HTTP/1.1", c.Host, date, c.Path)

	mac := hmac.New(sha256.New, []byte(c.APISecret))
	mac.Write([]byte(origin))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	auth := fmt.Sprintf(`api_key="%s", algorithm="hmac-sha256", headers="host date request-line", signature="%s"`,
		c.APIKey, signature)
	return base64.StdEncoding.EncodeToString([]byte(auth))
}

// SignedURL appends the authorization, date and host query parameters to
// endpoint. Values are URL-encoded.
func SignedURL(endpoint string, c Credentials, date string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("ise: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("authorization", Sign(c, date))
	q.Set("date", date)
	q.Set("host", c.Host)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
