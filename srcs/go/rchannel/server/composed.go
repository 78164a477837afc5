package server

// Group starts and stops a set of servers together.
type Group []*Server

// Start starts every server, closing those already started if one fails.
func (g Group) Start() error {
	for i, srv := range g {
		if err := srv.Start(); err != nil {
			g[:i].Close()
			return err
		}
	}
	return nil
}

func (g Group) Close() {
	for _, srv := range g {
		srv.Close()
	}
}
