package sessions

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
)

// Repo stores sessions together with the index from user id to session ids.
// Every method updates both sides in one step so that a session id is indexed
// under exactly its own user and never left orphaned.
type Repo interface {
	Insert(session *UserSession) error
	Update(session *UserSession) error
	Get(sessionID string) (*UserSession, error)
	Delete(sessionID string) (*UserSession, error)
	ListByUser(userID string) []*UserSession
	List() []*UserSession
	Len() int
}
