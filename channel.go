package prefork

import "os"

// controlChannel is the pair of unidirectional pipes wired between the
// supervisor and one worker: upstream carries status reports child to
// parent, downstream carries reload/detach commands parent to child.
type controlChannel struct {
	upstreamRead    *os.File // kept by the parent
	upstreamWrite   *os.File // dup'd into the child, then closed here
	downstreamRead  *os.File // dup'd into the child, then closed here
	downstreamWrite *os.File // kept by the parent
}

func newControlChannel() (*controlChannel, error) {
	upR, upW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	downR, downW, err := os.Pipe()
	if err != nil {
		upR.Close()
		upW.Close()
		return nil, err
	}
	return &controlChannel{
		upstreamRead:    upR,
		upstreamWrite:   upW,
		downstreamRead:  downR,
		downstreamWrite: downW,
	}, nil
}

// closeChildEnds closes the parent's copies of the fds handed to the
// child via ExtraFiles. Called right after a successful spawn, since the
// child's dup'd copies keep the pipes alive on its side.
func (c *controlChannel) closeChildEnds() {
	_ = c.upstreamWrite.Close()
	_ = c.downstreamRead.Close()
}

// closeParentEnds closes the ends the parent itself reads/writes,
// called when a worker entry is finally torn down.
func (c *controlChannel) closeParentEnds() {
	_ = c.upstreamRead.Close()
	_ = c.downstreamWrite.Close()
}
