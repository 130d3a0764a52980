package devserver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Nirovitsky/baltek-business-chat/internal/types"
)

const defaultPageSize = 50

var (
	errRoomNotFound = errors.New("room not found")
	errNotMember    = errors.New("not a member of this room")
)

// account is a user record plus its login secret.
type account struct {
	types.User
	passwordHash string
}

// memStore is the volatile dataset behind the dev server: accounts,
// rooms, message log and uploads live in process memory and reset on
// restart.
type memStore struct {
	mu            sync.Mutex
	accounts      map[int]account
	emails        map[string]int
	organizations []types.Organization
	rooms         []types.Room
	messages      map[int][]types.Message
	uploads       map[int]types.Attachment
	nextUserId    int
	nextMessageId int
	nextUploadId  int
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[int]account),
		emails:   make(map[string]int),
		messages: make(map[int][]types.Message),
		uploads:  make(map[int]types.Attachment),
	}
}

func (st *memStore) addAccount(user types.User, password string) (types.User, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return types.User{}, fmt.Errorf("hash password: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.nextUserId++
	user.Id = st.nextUserId
	st.accounts[user.Id] = account{User: user, passwordHash: hash}
	st.emails[user.Email] = user.Id
	return user, nil
}

func (st *memStore) authenticate(email, password string) (types.User, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	id, ok := st.emails[email]
	if !ok {
		return types.User{}, false
	}

	acct := st.accounts[id]
	if !verifyPassword(acct.passwordHash, password) {
		return types.User{}, false
	}
	return acct.User, true
}

func (st *memStore) accountByID(id int) (types.User, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	acct, ok := st.accounts[id]
	return acct.User, ok
}

func (st *memStore) addOrganization(org types.Organization) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.organizations = append(st.organizations, org)
}

func (st *memStore) listOrganizations() []types.Organization {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]types.Organization(nil), st.organizations...)
}

func (st *memStore) addRoom(room types.Room) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.rooms = append(st.rooms, room)
}

func (st *memStore) listRooms() []types.Room {
	st.mu.Lock()
	defer st.mu.Unlock()

	rooms := append([]types.Room(nil), st.rooms...)
	for i := range rooms {
		if msgs := st.messages[rooms[i].Id]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			rooms[i].LastMessage = &last
		}
	}
	return rooms
}

func (st *memStore) roomByID(id int) (types.Room, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.roomByIDLocked(id)
}

func (st *memStore) roomByIDLocked(id int) (types.Room, bool) {
	for _, room := range st.rooms {
		if room.Id == id {
			return room, true
		}
	}
	return types.Room{}, false
}

func (st *memStore) isMember(roomID, userID int) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	room, ok := st.roomByIDLocked(roomID)
	if !ok {
		return false
	}
	for _, member := range room.Members {
		if member.Id == userID {
			return true
		}
	}
	return false
}

// pageMessages returns one page of a room's log, newest first, so page 1
// is what a client shows on entry and higher pages reach further back.
func (st *memStore) pageMessages(roomID, page, pageSize int) (msgs []types.Message, total int, hasNext bool, ok bool) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	log := st.messages[roomID]
	total = len(log)

	start := (page - 1) * pageSize
	if start >= total && page > 1 {
		return nil, total, false, false
	}

	msgs = make([]types.Message, 0, pageSize)
	for i := total - 1 - start; i >= 0 && len(msgs) < pageSize; i-- {
		msgs = append(msgs, log[i])
	}

	hasNext = start+len(msgs) < total
	return msgs, total, hasNext, true
}

func (st *memStore) appendMessage(roomID, owner int, text string, attachmentIds []int) (types.Message, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	room, ok := st.roomByIDLocked(roomID)
	if !ok {
		return types.Message{}, errRoomNotFound
	}

	member := false
	for _, m := range room.Members {
		if m.Id == owner {
			member = true
			break
		}
	}
	if !member {
		return types.Message{}, errNotMember
	}

	var attachments []types.Attachment
	for _, id := range attachmentIds {
		if a, ok := st.uploads[id]; ok {
			attachments = append(attachments, a)
		}
	}

	st.nextMessageId++
	msg := types.Message{
		Id:          st.nextMessageId,
		Room:        roomID,
		Owner:       owner,
		Text:        text,
		Attachments: attachments,
		DateCreated: time.Now().Unix(),
	}
	st.messages[roomID] = append(st.messages[roomID], msg)
	return msg, nil
}

func (st *memStore) saveUpload(name string, size int64) types.Attachment {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.nextUploadId++
	attachment := types.Attachment{
		Id:   st.nextUploadId,
		Url:  fmt.Sprintf("/media/uploads/%d/%s", st.nextUploadId, name),
		Name: name,
		Size: size,
	}
	st.uploads[st.nextUploadId] = attachment
	return attachment
}
