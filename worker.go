package main

import (
	"bytes"
	"fmt"
	"log"
)

// request is one decoded client request: the frame plus, for POSTFILE, the
// second data block carrying the file body.
type request struct {
	fd       fdConn
	msg      *Message
	fileData *DataBlock
}

// readRequest reads one request frame from fd, including the trailing file
// block of a POSTFILE.
func readRequest(fd fdConn) (*request, error) {
	msg, err := ReadMessage(fd)
	if err != nil {
		return nil, err
	}
	req := &request{fd: fd, msg: msg}
	if msg.Op == OpPostFile {
		data, err := ReadData(fd)
		if err != nil {
			return nil, err
		}
		req.fileData = &data
	}
	return req, nil
}

// cstr interprets a payload as a NUL-terminated string.
func cstr(p []byte) string {
	if i := bytes.IndexByte(p, 0); i >= 0 {
		return string(p[:i])
	}
	return string(p)
}

// runWorker is one pool goroutine: pop a descriptor, serve one request,
// hand the descriptor back. A nil return is the poison-triggered exit; any
// error is unrecoverable and escalated by the caller.
func (s *Server) runWorker(id int) error {
	for {
		fd := s.queue.pop()
		if fd == queuePoison {
			return nil
		}
		if err := s.serveOne(fdConn(fd)); err != nil {
			return err
		}
	}
}

// serveOne handles a single request on fd end to end.
func (s *Server) serveOne(fd fdConn) error {
	user, known := s.reg.online.get(int32(fd))

	// Read under the user's own lock when the caller is known, so a
	// concurrent delivery cannot interleave with the request read on the
	// same descriptor.
	var req *request
	var rerr error
	if known {
		user.lock()
		req, rerr = readRequest(fd)
		if rerr != nil && isPeerGone(rerr) && user.status == StatusOnline {
			user.status = StatusOffline
		}
		user.unlock()
	} else {
		req, rerr = readRequest(fd)
	}

	if rerr != nil {
		if isPeerGone(rerr) {
			if _, was := s.reg.online.remove(int32(fd)); was {
				s.st.userDisconnected()
			}
			return s.pipe.write(int32(fd), pipeClose)
		}
		return fmt.Errorf("read request on fd %d: %w", fd, rerr)
	}

	if err := s.dispatch(req, user, known); err != nil {
		return err
	}
	return s.pipe.write(int32(fd), pipeReadyAgain)
}

// dispatch executes one request and sends the reply. Protocol errors are
// answered and absorbed here; only system errors propagate.
func (s *Server) dispatch(req *request, user *User, known bool) error {
	op := req.msg.Op

	// Everything except REGISTER and CONNECT needs an online caller.
	if !known && op != OpRegister && op != OpConnect {
		outcome, err := s.protoErr(req, nil, errNotFound)
		if err == nil && s.audit != nil {
			s.audit(op, req.msg.Sender, req.msg.Receiver, outcome)
		}
		return err
	}

	var outcome Op
	var err error
	switch op {
	case OpRegister:
		outcome, err = s.opRegister(req)
	case OpConnect:
		outcome, err = s.opConnect(req)
	case OpPostTxt:
		outcome, err = s.opPostTxt(req, user)
	case OpPostTxtAll:
		outcome, err = s.opPostTxtAll(req, user)
	case OpPostFile:
		outcome, err = s.opPostFile(req, user)
	case OpGetFile:
		outcome, err = s.opGetFile(req, user)
	case OpGetPrevMsgs:
		outcome, err = s.opGetPrevMsgs(req, user)
	case OpUsrList:
		outcome, err = s.opUsrList(req, user)
	case OpUnregister:
		outcome, err = s.opUnregister(req, user)
	case OpCreateGroup:
		outcome, err = s.opCreateGroup(req, user)
	case OpAddGroup:
		outcome, err = s.opAddGroup(req, user)
	case OpDelGroup:
		outcome, err = s.opDelGroup(req, user)
	case OpCancGroup:
		outcome, err = s.opCancGroup(req, user)
	default:
		// Unknown op-code: no reply, the descriptor is simply re-armed.
		log.Printf("[worker] fd %d: unknown op %d from %q", req.fd, op, req.msg.Sender)
		return nil
	}
	if err != nil {
		return err
	}
	if s.audit != nil {
		s.audit(op, req.msg.Sender, req.msg.Receiver, outcome)
	}
	return nil
}

// protoErr answers a protocol violation: the error kind picks the reply
// op-code, the reply is a header-only frame, and the error counter moves.
// Replies go through the user's send path when the caller is known,
// directly to the descriptor otherwise.
func (s *Server) protoErr(req *request, user *User, kind errKind) (Op, error) {
	op := replyOp(kind)
	if user != nil {
		if err := user.sendReplyHeader(op); err != nil {
			return op, err
		}
	} else {
		if err := WriteHeader(req.fd, op, ""); err != nil && !isPeerGone(err) {
			return op, errIOf(err)
		}
	}
	s.st.errorSent()
	return op, nil
}

// replyUserList sends OP_OK plus the online-user snapshot — the REGISTER,
// CONNECT, and USRLIST success reply.
func (s *Server) replyUserList(u *User) error {
	return u.sendReplyMessage(&Message{Op: OpOK, Payload: s.reg.onlineUsers()})
}

func (s *Server) opRegister(req *request) (Op, error) {
	nick := req.msg.Sender
	if nick == "" || len(nick) > NameMax {
		return s.protoErr(req, nil, errBadArg)
	}
	u, ok := s.reg.registerUser(nick, int32(req.fd), s.cfg.MaxHistMsgs)
	if !ok {
		return s.protoErr(req, nil, errExists)
	}
	s.reg.online.add(int32(req.fd), u)
	s.st.userRegistered()
	log.Printf("[worker] registered %q on fd %d", nick, req.fd)
	return OpOK, s.replyUserList(u)
}

func (s *Server) opConnect(req *request) (Op, error) {
	u, ok := s.reg.user(req.msg.Sender)
	if !ok {
		return s.protoErr(req, nil, errNotFound)
	}
	if !u.setOnline(int32(req.fd)) {
		return s.protoErr(req, nil, errDenied)
	}
	s.reg.online.add(int32(req.fd), u)
	s.st.userConnected()
	log.Printf("[worker] %q connected on fd %d", u.nickname, req.fd)
	return OpOK, s.replyUserList(u)
}

// resolveReceiver finds the POSTTXT/POSTFILE target: the sender itself, a
// registered user, or a group the sender belongs to.
func (s *Server) resolveReceiver(sender *User, receiver string) (*User, *Group, bool) {
	if receiver == sender.nickname {
		return sender, nil, true
	}
	if u, ok := s.reg.user(receiver); ok {
		return u, nil, true
	}
	if g, ok := sender.subscription(receiver); ok {
		return nil, g, true
	}
	return nil, nil, false
}

// deliverToGroup fans one notification out to every member of g, counting
// delivered and history-parked copies. gone is true when the group is in
// deletion and must be treated as nonexistent.
func (s *Server) deliverToGroup(g *Group, msg *Message) (delivered, parked uint64, gone bool, err error) {
	members, ok := g.memberSnapshot()
	if !ok {
		return 0, 0, true, nil
	}
	for _, m := range members {
		ok, derr := m.deliver(msg, s.st)
		if derr != nil {
			return delivered, parked, false, derr
		}
		if ok {
			delivered++
		} else {
			parked++
		}
	}
	return delivered, parked, false, nil
}

func (s *Server) opPostTxt(req *request, sender *User) (Op, error) {
	if len(req.msg.Payload) > s.cfg.MaxMsgSize {
		return s.protoErr(req, sender, errTooLong)
	}

	target, group, found := s.resolveReceiver(sender, req.msg.Receiver)
	if !found {
		return s.protoErr(req, sender, errNotFound)
	}

	msg := &Message{
		Op:       OpTxtMessage,
		Sender:   sender.nickname,
		Receiver: req.msg.Receiver,
		Payload:  req.msg.Payload,
	}

	if target != nil {
		delivered, err := target.deliver(msg, s.st)
		if err != nil {
			return 0, err
		}
		if delivered {
			s.st.txtPosted(1, 0)
		} else {
			s.st.txtPosted(0, 1)
		}
		if !delivered && target == sender {
			// The sender vanished while posting to itself: its copy is
			// parked in history, and nobody is left to answer.
			return OpOK, nil
		}
	} else {
		delivered, parked, gone, err := s.deliverToGroup(group, msg)
		if err != nil {
			return 0, err
		}
		if gone {
			return s.protoErr(req, sender, errNotFound)
		}
		s.st.txtPosted(delivered, parked)
	}

	return OpOK, sender.sendReplyHeader(OpOK)
}

func (s *Server) opPostTxtAll(req *request, sender *User) (Op, error) {
	if len(req.msg.Payload) > s.cfg.MaxMsgSize {
		return s.protoErr(req, sender, errTooLong)
	}

	msg := &Message{Op: OpTxtMessage, Sender: sender.nickname, Payload: req.msg.Payload}

	// Every registered user receives the broadcast, the sender included.
	var delivered, parked uint64
	for _, u := range s.reg.users.Snapshot() {
		ok, err := u.deliver(msg, s.st)
		if err != nil {
			return 0, err
		}
		if ok {
			delivered++
		} else {
			parked++
		}
	}
	s.st.txtPosted(delivered, parked)

	return OpOK, sender.sendReplyHeader(OpOK)
}

func (s *Server) opPostFile(req *request, sender *User) (Op, error) {
	if req.fileData == nil || len(req.fileData.Payload) > s.cfg.MaxFileSize {
		return s.protoErr(req, sender, errTooLong)
	}

	name, ok := baseName(cstr(req.msg.Payload))
	if !ok {
		return s.protoErr(req, sender, errBadArg)
	}

	target, group, found := s.resolveReceiver(sender, req.msg.Receiver)
	if !found {
		return s.protoErr(req, sender, errNotFound)
	}

	if err := s.files.Save(name, req.fileData.Payload); err != nil {
		return 0, err
	}

	// Recipients get a FILE_MESSAGE whose payload names the stored file.
	msg := &Message{
		Op:       OpFileMessage,
		Sender:   sender.nickname,
		Receiver: req.msg.Receiver,
		Payload:  append([]byte(name), 0),
	}

	if target != nil {
		delivered, err := target.deliver(msg, s.st)
		if err != nil {
			return 0, err
		}
		if delivered {
			s.st.filePosted(1, 0)
		} else {
			s.st.filePosted(0, 1)
		}
		if !delivered && target == sender {
			return OpOK, nil
		}
	} else {
		delivered, parked, gone, err := s.deliverToGroup(group, msg)
		if err != nil {
			return 0, err
		}
		if gone {
			return s.protoErr(req, sender, errNotFound)
		}
		s.st.filePosted(delivered, parked)
	}

	return OpOK, sender.sendReplyHeader(OpOK)
}

func (s *Server) opGetFile(req *request, user *User) (Op, error) {
	name, ok := baseName(cstr(req.msg.Payload))
	if !ok {
		return s.protoErr(req, user, errNoFile)
	}

	data, release, found, err := s.files.Load(name)
	if err != nil {
		return 0, err
	}
	if !found {
		return s.protoErr(req, user, errNoFile)
	}
	defer release()

	return OpOK, user.sendReplyMessage(&Message{Op: OpOK, Payload: data})
}

func (s *Server) opGetPrevMsgs(req *request, user *User) (Op, error) {
	msgs, files, err := user.sendHistory()
	if err != nil {
		return 0, err
	}
	s.st.historyReplayed(uint64(msgs), uint64(files))
	return OpOK, nil
}

func (s *Server) opUsrList(req *request, user *User) (Op, error) {
	return OpOK, s.replyUserList(user)
}

func (s *Server) opUnregister(req *request, user *User) (Op, error) {
	if req.msg.Receiver != user.nickname {
		return s.protoErr(req, user, errDenied)
	}

	s.reg.online.remove(int32(req.fd))
	user.disable()

	// Cancel the groups the user created — after disable, the only ones
	// left in its list.
	for {
		g, ok := user.popGroup()
		if !ok {
			break
		}
		s.cancelGroup(g, user.nickname)
	}

	if !s.reg.removeUser(user.nickname) {
		return 0, fmt.Errorf("unregister %q: not in registry", user.nickname)
	}
	s.st.userUnregistered()
	log.Printf("[worker] unregistered %q", user.nickname)

	// The user record is inactive now and its send path refuses to write,
	// so the client is answered directly.
	if err := WriteHeader(req.fd, OpOK, ""); err != nil && !isPeerGone(err) {
		return 0, errIOf(err)
	}
	return OpOK, nil
}

func (s *Server) opCreateGroup(req *request, user *User) (Op, error) {
	name := req.msg.Receiver
	if name == "" || len(name) > NameMax {
		return s.protoErr(req, user, errBadArg)
	}
	g, ok := s.reg.createGroup(name, user)
	if !ok {
		return s.protoErr(req, user, errExists)
	}
	user.subscribe(g)
	s.st.groupCreated()
	log.Printf("[worker] %q created group %q", user.nickname, name)
	return OpOK, user.sendReplyHeader(OpOK)
}

func (s *Server) opAddGroup(req *request, user *User) (Op, error) {
	name := req.msg.Receiver
	if _, already := user.subscription(name); already {
		return s.protoErr(req, user, errDenied)
	}
	g, ok := s.reg.group(name)
	if !ok {
		return s.protoErr(req, user, errNotFound)
	}
	added, gone := g.addMember(user)
	if gone {
		// A group in deletion is indistinguishable from a missing one.
		return s.protoErr(req, user, errNotFound)
	}
	if !added {
		return s.protoErr(req, user, errDenied)
	}
	user.subscribe(g)
	return OpOK, user.sendReplyHeader(OpOK)
}

func (s *Server) opDelGroup(req *request, user *User) (Op, error) {
	g, ok := user.unsubscribe(req.msg.Receiver)
	if !ok {
		return s.protoErr(req, user, errNotFound)
	}
	if isCreator := g.removeMember(user.nickname); isCreator {
		s.cancelGroup(g, user.nickname)
	}
	return OpOK, user.sendReplyHeader(OpOK)
}

func (s *Server) opCancGroup(req *request, user *User) (Op, error) {
	g, ok := user.subscription(req.msg.Receiver)
	if !ok {
		return s.protoErr(req, user, errNotFound)
	}
	if !g.disable(user.nickname) {
		return s.protoErr(req, user, errNoCreator)
	}
	s.finishGroupRemoval(g)
	return OpOK, user.sendReplyHeader(OpOK)
}

// cancelGroup tears a group down on behalf of its creator, as part of a
// DELGROUP or UNREGISTER cascade.
func (s *Server) cancelGroup(g *Group, creator string) {
	if g.disable(creator) {
		s.finishGroupRemoval(g)
	}
}

func (s *Server) finishGroupRemoval(g *Group) {
	if s.reg.removeGroup(g.name) {
		s.st.groupRemoved()
		log.Printf("[worker] group %q removed", g.name)
	}
}
