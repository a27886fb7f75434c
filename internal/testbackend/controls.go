package testbackend

// ExpireAntiForgeryToken rotates the server side token without telling the
// client, so its next request is rejected as stale.
func (b *Backend) ExpireAntiForgeryToken() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.antiForgeryToken = "rotated-" + b.antiForgeryToken
}

// RejectAllTokens makes every anti-forgery check fail, refreshes included.
func (b *Backend) RejectAllTokens(reject bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.alwaysRejectToken = reject
}

// ExpireAuth forgets the auth cookie, as if the server side session ended.
func (b *Backend) ExpireAuth() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.authToken = ""
}

func (b *Backend) FailRefresh(fail bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.failRefresh = fail
}

func (b *Backend) FailLogout(fail bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.failLogout = fail
}

func (b *Backend) AntiForgeryToken() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.antiForgeryToken
}

func (b *Backend) Requests() []RecordedRequest {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]RecordedRequest(nil), b.requests...)
}

func (b *Backend) Refreshes() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.refreshes
}

func (b *Backend) Logouts() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.logouts
}

func (b *Backend) Logins() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.logins
}

func (b *Backend) LoggedIn() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.authToken != ""
}
