package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Source control errors.
var (
	ErrBranchExists  = errors.New("branch already exists")
	ErrNoBranch      = errors.New("branch does not exist")
	ErrNoPullRequest = errors.New("pull request does not exist")
)

// PullRequest is a request to merge Head into Base.
type PullRequest struct {
	Title  string
	Body   string
	Head   string
	Base   string
	Labels []string
}

// PullRequestInfo describes an opened pull request.
type PullRequestInfo struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

// SourceControl is the repository the generated views are published to.
type SourceControl interface {
	// CreateBranch creates name from base. It returns ErrBranchExists when
	// the branch is already there.
	CreateBranch(ctx context.Context, name, base string) error
	// CommitFile writes content to path on branch and returns the commit ID.
	CommitFile(ctx context.Context, branch, path string, content []byte, message string) (string, error)
	OpenPullRequest(ctx context.Context, pr PullRequest) (PullRequestInfo, error)
	// PullRequestStatus returns open, merged or closed.
	PullRequestStatus(ctx context.Context, number int) (string, error)
}

// MemSourceControl is an in-memory SourceControl for development and tests.
type MemSourceControl struct {
	mu       sync.Mutex
	baseURL  string
	branches map[string]map[string][]byte
	prs      []memPR
}

type memPR struct {
	PullRequest
	info PullRequestInfo
}

// NewMemSourceControl creates a repository holding an empty base branch.
// Pull request URLs are rendered under baseURL.
func NewMemSourceControl(base, baseURL string) *MemSourceControl {
	return &MemSourceControl{
		baseURL:  baseURL,
		branches: map[string]map[string][]byte{base: {}},
	}
}

// CreateBranch implements SourceControl.
func (m *MemSourceControl) CreateBranch(ctx context.Context, name, base string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.branches[name]; ok {
		return fmt.Errorf("%w: %s", ErrBranchExists, name)
	}
	from, ok := m.branches[base]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoBranch, base)
	}
	files := make(map[string][]byte, len(from))
	for k, v := range from {
		files[k] = v
	}
	m.branches[name] = files
	return nil
}

// CommitFile implements SourceControl.
func (m *MemSourceControl) CommitFile(ctx context.Context, branch, path string, content []byte, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	files, ok := m.branches[branch]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoBranch, branch)
	}
	files[path] = append([]byte(nil), content...)

	h := sha256.New()
	for _, part := range []string{branch, path, message} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))[:12], nil
}

// OpenPullRequest implements SourceControl.
func (m *MemSourceControl) OpenPullRequest(ctx context.Context, pr PullRequest) (PullRequestInfo, error) {
	if err := ctx.Err(); err != nil {
		return PullRequestInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range []string{pr.Head, pr.Base} {
		if _, ok := m.branches[b]; !ok {
			return PullRequestInfo{}, fmt.Errorf("%w: %s", ErrNoBranch, b)
		}
	}
	n := len(m.prs) + 1
	info := PullRequestInfo{Number: n, URL: fmt.Sprintf("%s/pull/%d", m.baseURL, n), State: PROpen}
	m.prs = append(m.prs, memPR{PullRequest: pr, info: info})
	return info, nil
}

// PullRequestStatus implements SourceControl.
func (m *MemSourceControl) PullRequestStatus(ctx context.Context, number int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if number < 1 || number > len(m.prs) {
		return "", fmt.Errorf("%w: #%d", ErrNoPullRequest, number)
	}
	return m.prs[number-1].info.State, nil
}

// SetPullRequestState records a merge or close, as a reviewer would.
func (m *MemSourceControl) SetPullRequestState(number int, state string) error {
	if !prStates.Contains(state) {
		return fmt.Errorf("unknown pull request state %q", state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if number < 1 || number > len(m.prs) {
		return fmt.Errorf("%w: #%d", ErrNoPullRequest, number)
	}
	m.prs[number-1].info.State = state
	return nil
}

// PullRequest returns the request behind number.
func (m *MemSourceControl) PullRequest(number int) (PullRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if number < 1 || number > len(m.prs) {
		return PullRequest{}, false
	}
	return m.prs[number-1].PullRequest, true
}

// File returns the content of path on branch.
func (m *MemSourceControl) File(branch, path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.branches[branch][path]
	return data, ok
}

// Branches lists the branch names in sorted order.
func (m *MemSourceControl) Branches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.branches))
	for n := range m.branches {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
