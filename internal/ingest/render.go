package ingest

import (
	"net/url"
	"path"
	"strconv"
	"strings"

	"green-relay/internal/greenapi"
)

func renderLocation(d *greenapi.LocationMessageData) string {
	if d == nil {
		d = &greenapi.LocationMessageData{}
	}
	return "<местоположение>\n" +
		d.NameLocation + "\n" +
		d.Address + "\n" +
		"шир. " + coord(d.Latitude) + ", долг. " + coord(d.Longitude)
}

func coord(v *float64) string {
	if v == nil {
		return "--"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func renderContact(d greenapi.ContactMessageData) string {
	name := d.DisplayName
	if name == "" {
		name = "Contact"
	}
	var phones []string
	for _, line := range strings.Split(strings.ReplaceAll(d.VCard, "\r\n", "\n"), "\n") {
		if idx := strings.LastIndex(line, "waid="); idx >= 0 {
			phones = append(phones, line[idx+len("waid="):])
		}
	}
	return "<контакт>\n" + name + ":\n" + strings.Join(phones, ", ")
}

func renderContacts(d *greenapi.ContactsArrayData) string {
	if d == nil {
		return ""
	}
	parts := make([]string, 0, len(d.Contacts))
	for _, c := range d.Contacts {
		parts = append(parts, renderContact(c))
	}
	return strings.Join(parts, "\n")
}

func renderGroupInvite(d *greenapi.GroupInviteMessageData) string {
	if d == nil {
		d = &greenapi.GroupInviteMessageData{}
	}
	return "<приглашение в группу>\n" + d.GroupName + " (" + d.GroupJid + ")"
}

func renderPoll(d *greenapi.PollMessageData) string {
	if d == nil {
		d = &greenapi.PollMessageData{}
	}
	opts := make([]string, 0, len(d.Options))
	for _, o := range d.Options {
		opts = append(opts, "- "+o.OptionName)
	}
	return "<опрос>\n" + d.Name + "\n" + strings.Join(opts, "\n")
}

func renderButtons(d *greenapi.InteractiveButtons) string {
	if d == nil {
		d = &greenapi.InteractiveButtons{}
	}
	btns := make([]string, 0, len(d.Buttons))
	for _, b := range d.Buttons {
		btns = append(btns, b.ButtonText)
	}
	return d.TitleText + "\n" + d.ContentText + "\n-------\n" + strings.Join(btns, " | ")
}

func renderUnknown(mtype string) string {
	return "<Сообщение непредусмотренного типа: " + mtype + ">"
}

func renderDownloadFailure(fm *greenapi.FileMessageData) string {
	if fm.Caption != "" {
		return fm.Caption + "\n<Не удалось скачать файл (" + orDefault(fm.FileName, "--") + ")>"
	}
	return "<Не удалось скачать файл (" + orDefault(fm.FileName, "no-name") + ")>"
}

// fileName picks the attachment name: the provider name, else the last
// segment of the download URL, else the message id. A missing extension is
// taken from the MIME subtype.
func fileName(fm *greenapi.FileMessageData, idMessage string) string {
	name := fm.FileName
	if name == "" && fm.DownloadURL != "" {
		if u, err := url.Parse(fm.DownloadURL); err == nil {
			p, err := url.PathUnescape(u.EscapedPath())
			if err != nil {
				p = u.Path
			}
			if base := path.Base(p); base != "." && base != "/" {
				name = base
			}
		}
	}
	if name == "" {
		name = idMessage
	}
	if !strings.Contains(name, ".") && fm.MIMEType != "" {
		ext := fm.MIMEType
		if i := strings.LastIndex(ext, "/"); i >= 0 {
			ext = ext[i+1:]
		}
		if j := strings.IndexByte(ext, ';'); j >= 0 {
			ext = ext[:j]
		}
		if ext = strings.TrimSpace(ext); ext != "" {
			name += "." + ext
		}
	}
	return name
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
