package wechat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"mpvault/internal/core"
)

// BaseResp is the envelope the platform attaches to every JSON payload.
type BaseResp struct {
	Ret    int    `json:"ret"`
	ErrMsg string `json:"err_msg"`
}

// Remote ret codes with dedicated handling.
const (
	retSessionInvalid = 200003
	retRateLimited    = 200013
)

// checkBaseResp maps a non-zero ret code into a typed authentication error.
func checkBaseResp(resp BaseResp, op string) error {
	switch resp.Ret {
	case 0:
		return nil
	case retSessionInvalid:
		return core.NewAuthError("login session invalidated, scan the QR code again")
	case retRateLimited:
		return core.NewAuthError("rate limited by the remote platform, retry later")
	default:
		msg := resp.ErrMsg
		if msg == "" {
			msg = "unknown error"
		}
		return core.NewAuthError(fmt.Sprintf("%s failed: %s (ret=%d)", op, msg, resp.Ret))
	}
}

// flexString tolerates string or numeric JSON values.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("unmarshal string: %w", err)
		}
		*s = flexString(v)
		return nil
	}
	*s = flexString(data)
	return nil
}

// flexInt64 tolerates numeric or quoted-numeric JSON values.
type flexInt64 int64

func (n *flexInt64) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("unmarshal quoted number: %w", err)
		}
		if v == "" {
			*n = 0
			return nil
		}
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse quoted number %q: %w", v, err)
		}
		*n = flexInt64(parsed)
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal number: %w", err)
	}
	*n = flexInt64(v)
	return nil
}

// loginPayload is the shape returned by the bizlogin endpoints.
type loginPayload struct {
	BaseResp       BaseResp   `json:"base_resp"`
	RedirectURL    string     `json:"redirect_url"`
	RedirectURLAlt string     `json:"redirectUrl"`
	Token          flexString `json:"token"`
	UUID           string     `json:"uuid"`
}

type baseRespPayload struct {
	BaseResp struct {
		Ret         int        `json:"ret"`
		ErrMsg      string     `json:"err_msg"`
		RedirectURL string     `json:"redirect_url"`
		Token       flexString `json:"token"`
	} `json:"base_resp"`
}

// scanStatusPayload is the shape of the scanloginqrcode ask response.
type scanStatusPayload struct {
	BaseResp BaseResp `json:"base_resp"`
	Status   int      `json:"status"`
}

// acctListPayload is the shape of the switchacct probe.
type acctListPayload struct {
	BaseResp BaseResp `json:"base_resp"`
	BizList  struct {
		List []struct {
			Nickname   string `json:"nickname"`
			Username   string `json:"username"`
			HeadImgURL string `json:"headimgurl"`
		} `json:"list"`
	} `json:"biz_list"`
}

// AccountHit is one remote directory search result.
type AccountHit struct {
	FakeID   string `json:"fakeid"`
	Nickname string `json:"nickname"`
	Alias    string `json:"alias"`
	Avatar   string `json:"avatar"`
	Intro    string `json:"intro"`
	Biz      string `json:"biz"`
}

type searchPayload struct {
	BaseResp BaseResp `json:"base_resp"`
	Total    int      `json:"total"`
	List     []struct {
		FakeID       flexString `json:"fakeid"`
		Nickname     string     `json:"nickname"`
		NickName     string     `json:"nick_name"`
		Alias        string     `json:"alias"`
		RoundHeadImg string     `json:"round_head_img"`
		HeadImg      string     `json:"head_img"`
		Signature    string     `json:"signature"`
		Biz          string     `json:"biz"`
	} `json:"list"`
}

// FeedItem is one article record extracted from either feed endpoint.
type FeedItem struct {
	AID        string
	Title      string
	URL        string
	CoverURL   string
	Digest     string
	Author     string
	CreateTime int64
	UpdateTime int64
	Raw        json.RawMessage
}

// PublishTime returns the best-known publish timestamp for the item.
func (it FeedItem) PublishTime() int64 {
	if it.UpdateTime > 0 {
		return it.UpdateTime
	}
	return it.CreateTime
}

type feedItemRaw struct {
	AID        flexString `json:"aid"`
	Title      string     `json:"title"`
	Link       string     `json:"link"`
	URL        string     `json:"url"`
	Cover      string     `json:"cover"`
	PicURL     string     `json:"pic_url"`
	Digest     string     `json:"digest"`
	Author     string     `json:"author"`
	CreateTime flexInt64  `json:"create_time"`
	UpdateTime flexInt64  `json:"update_time"`
}

func (r feedItemRaw) item(raw json.RawMessage) FeedItem {
	url := r.Link
	if url == "" {
		url = r.URL
	}
	cover := r.Cover
	if cover == "" {
		cover = r.PicURL
	}
	return FeedItem{
		AID:        string(r.AID),
		Title:      r.Title,
		URL:        url,
		CoverURL:   cover,
		Digest:     r.Digest,
		Author:     r.Author,
		CreateTime: int64(r.CreateTime),
		UpdateTime: int64(r.UpdateTime),
		Raw:        raw,
	}
}

// embeddedJSON tolerates a value delivered either inline or as a JSON string
// containing JSON, which the publish feed does for its nested pages.
type embeddedJSON struct {
	raw json.RawMessage
}

func (e *embeddedJSON) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return fmt.Errorf("unmarshal embedded json string: %w", err)
		}
		e.raw = json.RawMessage(inner)
		return nil
	}
	e.raw = append(json.RawMessage(nil), data...)
	return nil
}

type publishFeedPayload struct {
	BaseResp    BaseResp     `json:"base_resp"`
	PublishPage embeddedJSON `json:"publish_page"`
}

type publishPage struct {
	PublishList []struct {
		PublishInfo embeddedJSON `json:"publish_info"`
	} `json:"publish_list"`
}

type publishInfo struct {
	AppMsgEx []json.RawMessage `json:"appmsgex"`
}

// parsePublishFeed extracts feed items from the primary publish endpoint
// payload. Shape drift surfaces as a parse error, never a silent miss.
func parsePublishFeed(body []byte) ([]FeedItem, error) {
	var payload publishFeedPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse publish feed: %w", err)
	}
	if err := checkBaseResp(payload.BaseResp, "fetch publish feed"); err != nil {
		return nil, err
	}
	if len(payload.PublishPage.raw) == 0 {
		return nil, nil
	}

	var page publishPage
	if err := json.Unmarshal(payload.PublishPage.raw, &page); err != nil {
		return nil, fmt.Errorf("parse publish page: %w", err)
	}

	var items []FeedItem
	for _, entry := range page.PublishList {
		if len(entry.PublishInfo.raw) == 0 {
			continue
		}
		var info publishInfo
		if err := json.Unmarshal(entry.PublishInfo.raw, &info); err != nil {
			continue
		}
		for _, raw := range info.AppMsgEx {
			var item feedItemRaw
			if err := json.Unmarshal(raw, &item); err != nil {
				continue
			}
			items = append(items, item.item(raw))
		}
	}
	return items, nil
}

type appMsgFeedPayload struct {
	BaseResp   BaseResp          `json:"base_resp"`
	AppMsgList []json.RawMessage `json:"app_msg_list"`
}

// parseAppMsgFeed extracts feed items from the legacy appmsg endpoint.
func parseAppMsgFeed(body []byte) ([]FeedItem, error) {
	var payload appMsgFeedPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse appmsg feed: %w", err)
	}
	if err := checkBaseResp(payload.BaseResp, "fetch appmsg feed"); err != nil {
		return nil, err
	}
	items := make([]FeedItem, 0, len(payload.AppMsgList))
	for _, raw := range payload.AppMsgList {
		var item feedItemRaw
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		items = append(items, item.item(raw))
	}
	return items, nil
}
