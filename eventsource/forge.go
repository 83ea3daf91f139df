package eventsource

import (
	"fmt"
	"net/url"
)

// ForgeSource streams events from a forge's /events websocket
// endpoint.
type ForgeSource struct {
	Host string
	Dev  bool
}

func NewForgeSource(host string, dev bool) ForgeSource {
	return ForgeSource{
		Host: host,
		Dev:  dev,
	}
}

func (f ForgeSource) Key() string {
	return f.Host
}

func (f ForgeSource) Url(cursor int64) (*url.URL, error) {
	scheme := "wss"
	if f.Dev {
		scheme = "ws"
	}

	u, err := url.Parse(scheme + "://" + f.Host + "/events")
	if err != nil {
		return nil, err
	}

	if cursor != 0 {
		query := url.Values{}
		query.Add("cursor", fmt.Sprintf("%d", cursor))
		u.RawQuery = query.Encode()
	}
	return u, nil
}
