package api

import (
	"fmt"
	"html"
	"net/http"
)

// uploadPage posts the chosen file as multipart/form-data in field
// "update" and shows client-side and device-side progress.
const uploadPage = `<!DOCTYPE html>
<html>
<head><title>Firmware update</title></head>
<body>
<h2>Firmware update</h2>
<form method="POST" action="/otaupload" enctype="multipart/form-data" id="upload_form">
  <input type="file" name="update">
  <input type="submit" value="Update">
</form>
<div id="prg">progress: 0%</div>
<div id="dev"></div>
<div id="result"></div>
<script>
var form = document.getElementById('upload_form');
var es = new EventSource('/api/events');
es.addEventListener('update.progress', function(e) {
  var ev = JSON.parse(e.data);
  document.getElementById('dev').textContent = 'flashed: ' + ev.written + ' bytes';
});
form.addEventListener('submit', function(e) {
  e.preventDefault();
  var xhr = new XMLHttpRequest();
  xhr.open('POST', '/otaupload' + window.location.search);
  xhr.upload.addEventListener('progress', function(evt) {
    if (evt.lengthComputable) {
      document.getElementById('prg').textContent = 'progress: ' + Math.round(evt.loaded / evt.total * 100) + '%';
    }
  });
  xhr.onload = function() { document.getElementById('result').innerHTML = xhr.responseText; };
  xhr.send(new FormData(form));
});
</script>
</body>
</html>`

// writeFlashResult renders an upload outcome.
func writeFlashResult(w http.ResponseWriter, status int, headline, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "<h1>%s</h1><br><br><p>%s</p>\n", html.EscapeString(headline), html.EscapeString(detail))
}
