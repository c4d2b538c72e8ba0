package socketio

import "testing"

func TestParseEventPacket(t *testing.T) {
	pkt, err := parseEventPacket(`2/admin,17["register_user",42]`)
	if err != nil {
		t.Fatalf("parseEventPacket: %v", err)
	}
	if pkt.Namespace != "/admin" || pkt.ID == nil || *pkt.ID != 17 || pkt.Event != "register_user" {
		t.Fatalf("unexpected packet: %+v", pkt)
	}
	if len(pkt.Args) != 1 || string(pkt.Args[0]) != "42" {
		t.Fatalf("unexpected args: %s", pkt.Args)
	}

	if _, err := parseEventPacket(`2[]`); err == nil {
		t.Fatalf("expected missing event name error")
	}
	if _, err := parseEventPacket(`0{}`); err == nil {
		t.Fatalf("expected non-event error")
	}
}

func TestBuildPackets(t *testing.T) {
	ev, _ := buildEventPacket("/", "connection_update", map[string]string{"status": "connected"})
	if ev != `2["connection_update",{"status":"connected"}]` {
		t.Fatalf("unexpected event packet %s", ev)
	}
	ack, _ := buildAckPacket("/", 3)
	if ack != "33[]" {
		t.Fatalf("unexpected ack packet %s", ack)
	}
	conn, _ := buildConnectPacket("/", "abc")
	if conn != `0{"sid":"abc"}` {
		t.Fatalf("unexpected connect packet %s", conn)
	}
	cerr, _ := buildConnectErrorPacket("/x", "nope")
	if cerr != `4/x,{"message":"nope"}` {
		t.Fatalf("unexpected connect error packet %s", cerr)
	}
}
