package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/memories/internal/memos"
	"go.uber.org/zap"
)

const (
	opList            = "list"
	opGet             = "get"
	opCreate          = "create"
	opUpdate          = "update"
	opDelete          = "delete"
	opListAttachments = "list_attachments"
	opCurrentUser     = "current_user"
	opPing            = "ping"
)

// ListPage fetches one page of memos. An empty token requests the first page and an empty
// NextToken in the result marks the last one.
func (c *Client) ListPage(ctx context.Context, token string, pageSize int) (memos.Page, error) {
	return c.listPage(ctx, opList, token, pageSize)
}

func (c *Client) listPage(ctx context.Context, op, token string, pageSize int) (memos.Page, error) {
	query := url.Values{}
	if pageSize > 0 {
		query.Set("pageSize", strconv.Itoa(pageSize))
	}
	if token != "" {
		query.Set("pageToken", token)
	}

	var response listMemosResponse
	if err := c.do(ctx, request{op: op, method: http.MethodGet, path: "memos", query: query, out: &response}); err != nil {
		return memos.Page{}, err
	}

	page := memos.Page{NextToken: response.NextPageToken, Entries: make([]memos.MemoRecord, 0, len(response.Memos))}
	for _, wire := range response.Memos {
		record, err := wire.toRecord()
		if err != nil {
			c.logger.Warn("skipping memo with invalid name", zap.String("name", wire.Name), zap.Error(err))
			continue
		}
		page.Entries = append(page.Entries, record)
	}
	return page, nil
}

// Get fetches a single memo.
func (c *Client) Get(ctx context.Context, id memos.MemoID) (memos.MemoRecord, error) {
	var response wireMemo
	if err := c.do(ctx, request{op: opGet, target: id.String(), method: http.MethodGet, path: id.Name(), out: &response}); err != nil {
		return memos.MemoRecord{}, err
	}
	return c.decodeRecord(opGet, id.String(), response)
}

// Create submits a new memo and returns the server's record with its canonical id.
func (c *Client) Create(ctx context.Context, delta memos.Delta) (memos.MemoRecord, error) {
	var response wireMemo
	payload := deltaToWire(memos.MemoID{}, delta)
	if err := c.do(ctx, request{op: opCreate, method: http.MethodPost, path: "memos", body: payload, out: &response}); err != nil {
		return memos.MemoRecord{}, err
	}
	return c.decodeRecord(opCreate, "", response)
}

// Update patches the fields named by delta.
func (c *Client) Update(ctx context.Context, id memos.MemoID, delta memos.Delta) (memos.MemoRecord, error) {
	query := url.Values{}
	query.Set("updateMask", strings.Join(delta.Fields(), ","))

	var response wireMemo
	req := request{
		op:     opUpdate,
		target: id.String(),
		method: http.MethodPatch,
		path:   id.Name(),
		query:  query,
		body:   deltaToWire(id, delta),
		out:    &response,
	}
	if err := c.do(ctx, req); err != nil {
		return memos.MemoRecord{}, err
	}
	c.attachments.Del(id.UID())
	return c.decodeRecord(opUpdate, id.String(), response)
}

// Delete removes a memo.
func (c *Client) Delete(ctx context.Context, id memos.MemoID) error {
	if err := c.do(ctx, request{op: opDelete, target: id.String(), method: http.MethodDelete, path: id.Name()}); err != nil {
		return err
	}
	c.attachments.Del(id.UID())
	return nil
}

// ListAttachments returns the attachments of a memo. Listings are cached until the memo
// is updated or deleted through this client.
func (c *Client) ListAttachments(ctx context.Context, id memos.MemoID) ([]memos.AttachmentRef, error) {
	if cached, ok := c.attachments.Get(id.UID()); ok {
		return cached, nil
	}

	var response listAttachmentsResponse
	req := request{
		op:     opListAttachments,
		target: id.String(),
		method: http.MethodGet,
		path:   id.Name() + "/attachments",
		out:    &response,
	}
	if err := c.do(ctx, req); err != nil {
		return nil, err
	}

	refs := make([]memos.AttachmentRef, 0, len(response.Attachments))
	for _, attachment := range response.Attachments {
		refs = append(refs, attachment.toRef(id))
	}
	c.attachments.Set(id.UID(), refs, int64(len(refs)+1))
	c.attachments.Wait()
	return refs, nil
}

// CurrentUser returns the account the access token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var response currentUserResponse
	if err := c.do(ctx, request{op: opCurrentUser, method: http.MethodGet, path: "user/me", out: &response}); err != nil {
		return User{}, err
	}
	if response.User != nil {
		return response.User.toUser(), nil
	}
	return response.wireUser.toUser(), nil
}

// Ping checks connectivity and credentials with the smallest possible list request.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.listPage(ctx, opPing, "", 1)
	return err
}

func (c *Client) decodeRecord(op, target string, response wireMemo) (memos.MemoRecord, error) {
	record, err := response.toRecord()
	if err != nil {
		return memos.MemoRecord{}, &memos.RemoteError{
			Op:         op,
			Target:     target,
			StatusCode: http.StatusOK,
			Message:    "response without a valid memo name",
		}
	}
	return record, nil
}
