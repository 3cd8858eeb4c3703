package cron

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/fleetcap/viewer/pkg/cluster"
	"github.com/fleetcap/viewer/pkg/pcap"
	"github.com/fleetcap/viewer/pkg/session"
)

// peerAuth signs the x-moloch-auth token postForward attaches to every
// cross-cluster receive call, the same way cluster.Proxy signs intra-fleet
// requests.
var peerAuth = cluster.NewPeerAuth()

// receivePath is the path postForward's signed token is bound to; it must
// match exactly what the remote's Verify checks against its request URL,
// so it excludes the ?saveId= query string appended to the request URL.
const receivePath = "/api/sessions/receive"

// newSaveID mints the forward dedupe key: <nodeName>-<nowMs base36>.
func newSaveID(node string) string {
	return node + "-" + strconv.FormatInt(time.Now().UnixMilli(), 36)
}

// RemoteCluster is one entry of the "remote-clusters" config map: a peer
// viewer deployment this node can forward matched sessions to.
type RemoteCluster struct {
	Name   string
	URL    string
	Secret string
}

// RemoteClusters resolves a forward action's target cluster by name.
type RemoteClusters map[string]RemoteCluster

func (r RemoteClusters) Lookup(name string) (RemoteCluster, error) {
	c, ok := r[name]
	if !ok {
		return RemoteCluster{}, fmt.Errorf("unknown remote cluster %q", name)
	}
	return c, nil
}

// frameForward builds the wire body POSTed to <cluster>/api/sessions/receive:
// u32 spiLen, u32 reserved, u32 pcapLen, then spiJson, the global pcap
// header, and each packet's record header + payload concatenated in the
// order given (collectPackets yields ascending file number, then packetPos
// order within each file).
func frameForward(sess session.Session, packets []pcap.Packet) ([]byte, error) {
	spiJSON, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshaling session for forward: %w", err)
	}

	var pcapBody bytes.Buffer
	pcapBody.Write(pcap.GlobalHeader)
	for _, pkt := range packets {
		var hdr [pcap.RecordHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[0:4], pkt.Header.TSSec)
		binary.LittleEndian.PutUint32(hdr[4:8], pkt.Header.TSUsec)
		binary.LittleEndian.PutUint32(hdr[8:12], pkt.Header.InclLen)
		binary.LittleEndian.PutUint32(hdr[12:16], pkt.Header.OrigLen)
		pcapBody.Write(hdr[:])
		pcapBody.Write(pkt.Payload)
	}

	var out bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(spiJSON)))
	out.Write(lenBuf[:])
	binary.BigEndian.PutUint32(lenBuf[:], 0) // reserved
	out.Write(lenBuf[:])
	binary.BigEndian.PutUint32(lenBuf[:], uint32(pcapBody.Len()))
	out.Write(lenBuf[:])
	out.Write(spiJSON)
	out.Write(pcapBody.Bytes())
	return out.Bytes(), nil
}

// collectPackets reads every packet referenced by sess.PacketPos from the
// local pcap store, in file order.
func collectPackets(store *pcap.Store, sess session.Session) ([]pcap.Packet, error) {
	startFileNum := 0
	if len(sess.FileID) > 0 {
		startFileNum = sess.FileID[0]
	}
	byFile := pcap.FileNumAndOffsets(sess.PacketPos, startFileNum)

	fileNums := make([]int, 0, len(byFile))
	for fileNum := range byFile {
		fileNums = append(fileNums, fileNum)
	}
	sort.Ints(fileNums)

	var out []pcap.Packet
	for _, fileNum := range fileNums {
		offsets := byFile[fileNum]
		h, err := store.Open(pcap.ModeRead, sess.Node, fileNum)
		if err != nil {
			return nil, fmt.Errorf("opening node %s file %d: %w", sess.Node, fileNum, err)
		}
		for _, offset := range offsets {
			pkt, err := pcap.ReadPacket(h, offset)
			if err != nil {
				h.Release()
				return nil, fmt.Errorf("reading packet at offset %d: %w", offset, err)
			}
			out = append(out, pkt)
		}
		h.Release()
	}
	return out, nil
}

// postForward sends the framed body to the remote cluster's receive
// endpoint, tagging it with saveId so the receiver can dedupe retries and
// signing it with the remote's serverSecret so the receiving node's auth
// chain accepts it as a verified peer.
func postForward(ctx context.Context, client *http.Client, remote RemoteCluster, saveID string, body []byte) error {
	url := fmt.Sprintf("%s%s?saveId=%s", remote.URL, receivePath, saveID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	token, err := peerAuth.Sign(serviceUserID, remote.Secret, receivePath)
	if err != nil {
		return fmt.Errorf("signing peer auth token for %s: %w", remote.Name, err)
	}
	req.Header.Set(cluster.PeerAuthHeader, token)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting forward to %s: %w", remote.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("forward to %s returned %s", remote.Name, resp.Status)
	}
	return nil
}
