package cdpcontrol

import "encoding/json"

// Every script below runs inside buildIIFE and returns the JSON envelope
// decoded by evalOnSession.

func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func buildIIFE(async bool, body string) string {
	prefix := "(function(){\n"
	if async {
		prefix = "(async function(){\n"
	}
	return prefix + `try {
` + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:"` + CodeEvalFailure + `",error_message:String(err && err.message || err)});
}
})()`
}

func wrapJSEval(body string) string      { return buildIIFE(false, body) }
func wrapJSEvalAsync(body string) string { return buildIIFE(true, body) }

const jsFindElement = `
function _find(sel) {
  var el = document.querySelector(sel);
  if (!el) throw new Error("element not found: " + sel);
  return el;
}
`

func jsSnapshot() string {
	return wrapJSEval(`
var root = document.documentElement;
return JSON.stringify({ok:true,data:{
  url: String(location.href),
  html: root ? root.outerHTML : "",
  content_type: String(document.contentType || "")
}});`)
}

func jsNavigate(url string) string {
	return wrapJSEval(`
var target = ` + jsString(url) + `;
setTimeout(function(){ window.location.href = target; }, 0);
return JSON.stringify({ok:true,data:{url:target}});`)
}

// jsLocate scrolls the element into view and reports its centre so a
// trusted mouse click can be dispatched at it.
func jsLocate(selector string) string {
	return wrapJSEvalAsync(jsFindElement + `
var el = _find(` + jsString(selector) + `);
el.scrollIntoView({block:"center"});
await new Promise(function(r){ setTimeout(r, 300); });
var rect = el.getBoundingClientRect();
return JSON.stringify({ok:true,data:{x:rect.left+rect.width/2,y:rect.top+rect.height/2,width:rect.width,height:rect.height}});`)
}

// jsSyntheticClick is used when the element has no layout box.
func jsSyntheticClick(selector string) string {
	return wrapJSEval(jsFindElement + `
var el = _find(` + jsString(selector) + `);
el.dispatchEvent(new MouseEvent("click", {bubbles:true,cancelable:true,view:window,detail:1}));
return JSON.stringify({ok:true,data:{clicked:true}});`)
}

func jsSetSessionItem(key, value string) string {
	return wrapJSEval(`
sessionStorage.setItem(` + jsString(key) + `, ` + jsString(value) + `);
return JSON.stringify({ok:true});`)
}

func jsRemoveSessionItem(key string) string {
	return wrapJSEval(`
sessionStorage.removeItem(` + jsString(key) + `);
return JSON.stringify({ok:true});`)
}

func jsGetSessionItem(key string) string {
	return wrapJSEval(`
var v = sessionStorage.getItem(` + jsString(key) + `);
return JSON.stringify({ok:true,data:{present:v !== null,value:v === null ? "" : String(v)}});`)
}

func jsSetAttribute(selector, name, value string) string {
	return wrapJSEval(jsFindElement + `
_find(` + jsString(selector) + `).setAttribute(` + jsString(name) + `, ` + jsString(value) + `);
return JSON.stringify({ok:true});`)
}

func jsReadyState() string {
	return wrapJSEval(`return JSON.stringify({ok:true,data:{ready_state:String(document.readyState),url:String(location.href)}});`)
}
