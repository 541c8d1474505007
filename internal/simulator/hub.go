package simulator

import "sync"

// hub рассылает события всем открытым потокам
type hub struct {
	lock    sync.Mutex
	clients map[chan []byte]bool
}

func newHub() *hub {
	return &hub{clients: make(map[chan []byte]bool)}
}

func (h *hub) subscribe() chan []byte {
	ch := make(chan []byte, 16)
	h.lock.Lock()
	h.clients[ch] = true
	h.lock.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan []byte) {
	h.lock.Lock()
	delete(h.clients, ch)
	h.lock.Unlock()
}

// broadcast не блокируется: медленный клиент пропускает событие
func (h *hub) broadcast(msg []byte) {
	h.lock.Lock()
	defer h.lock.Unlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *hub) count() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}
