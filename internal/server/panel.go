package server

import (
	_ "embed"
	"html/template"
	"log"
	"net/http"
)

//go:embed panel.html
var panelHTML string

var panelTemplate = template.Must(template.New("panel").Parse(panelHTML))

type panelData struct {
	DeviceIP  string
	FixedPort int
}

func (s *Server) handlePanel(w http.ResponseWriter, r *http.Request) {
	data := panelData{DeviceIP: "unknown", FixedPort: 5555}
	if s.config.DeviceAddress != nil {
		if ip, err := s.config.DeviceAddress(); err == nil {
			data.DeviceIP = ip.String()
		}
	}
	if s.config.Switcher != nil {
		data.FixedPort = s.config.Switcher.FixedPort()
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := panelTemplate.Execute(w, data); err != nil {
		log.Printf("server: render panel: %v", err)
	}
}
