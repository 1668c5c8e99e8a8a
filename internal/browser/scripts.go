// internal/browser/scripts.go
package browser

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Page scripts run through Runtime.evaluate. Each is a function expression; call
// renders it as an immediately invoked call with JSON encoded arguments.

const pageTitleJS = `function() {
  const selectors = ['div.left-content h1', 'h1', 'div.breadcrumbs', '.page-title, .title'];
  for (const sel of selectors) {
    const el = document.querySelector(sel);
    if (el && el.innerText && el.innerText.trim()) return el.innerText.trim();
  }
  return document.title || '';
}`

const commentPanelJS = `function() {
  const box = document.querySelector('.comment-highlighted');
  if (!box) return null;
  const span = box.querySelector('.comment-span');
  if (!span) return null;
  return {text: span.innerText || '', html: span.innerHTML || ''};
}`

const expandCommentJS = `function() {
  const box = document.querySelector('.comment-highlighted');
  if (!box) return false;
  box.click();
  const more = box.querySelector('.truncation');
  if (more && more.offsetParent !== null) { more.click(); return true; }
  return false;
}`

const underlinePresentJS = `document.querySelector('.commented-text-hover') !== null`

// observationJS collects everything the resolver needs about the highlighted span.
// Field names match targeting.Observation's JSON tags.
const observationJS = `function(contextWindow) {
  const u = document.querySelector('.commented-text-hover');
  if (!u) return null;
  const span = u.closest('[data-id]') || u.closest('.commented-text');
  const commentId = span ? (span.getAttribute('data-id') || '') : '';
  const visible = (u.innerText || '').trim();

  const link = u.closest('xref') || u.closest('a');
  const href = link ? (link.getAttribute('href') || '') : '';

  const hasConkeyref = u.hasAttribute('conkeyref') ||
    Array.from(u.querySelectorAll('*')).some(e => e.hasAttribute('conkeyref'));

  const path = [];
  let cur = u;
  for (let i = 0; i < 3; i++) {
    if (!cur || !cur.parentElement) break;
    cur = cur.parentElement;
    const siblings = Array.from(cur.parentElement ? cur.parentElement.children : []);
    path.unshift(cur.tagName.toLowerCase() + '[' + siblings.indexOf(cur) + ']');
  }

  let context = '';
  const block = u.closest('p, li, td, dd, dt, entry, section, div') || u.parentNode;
  if (block && block.innerText) {
    const txt = block.innerText;
    const idx = txt.indexOf(visible);
    if (idx >= 0) {
      context = txt.slice(Math.max(0, idx - contextWindow), idx + visible.length + contextWindow);
    } else {
      context = txt;
    }
  }

  return {
    comment_id: commentId,
    visible_text: visible,
    href: href,
    context: context.trim(),
    element_type: u.tagName.toLowerCase(),
    has_conkeyref: hasConkeyref,
    parent_path: path.join(' > '),
    comment_type: 'unknown'
  };
}`

const annotationOffsetsJS = `function(id) {
  if (typeof IXAnnotations === 'undefined' || !IXAnnotations.getAnnotationById) return null;
  const a = IXAnnotations.getAnnotationById(id);
  if (!a || a.startOffset === undefined || a.endOffset === undefined) return null;
  return {start_offset: a.startOffset, end_offset: a.endOffset};
}`

const domSizeJS = `document.getElementsByTagName('*').length`

const readyStateJS = `document.readyState`

// editorLocatorJS finds the document holding the CodeMirror XML view. The editor is
// embedded in WebAuthor-frame and the XML view is either inline or inside one of two
// nested iframes depending on the deployment.
const editorLocatorJS = `function locateEditor() {
  const outer = document.getElementById('WebAuthor-frame');
  const root = outer && outer.contentDocument ? outer.contentDocument : document;
  if (root.querySelector('div.CodeMirror')) return {doc: root, layout: 'direct'};
  const nested = [["iframe[id^='text-mode-iframe']", 'text-mode-iframe'], ["iframe[id^='SAP-plugin-iframe']", 'SAP-plugin-iframe']];
  for (const [sel, name] of nested) {
    const f = root.querySelector(sel);
    if (f && f.contentDocument && f.contentDocument.querySelector('div.CodeMirror')) {
      return {doc: f.contentDocument, layout: name};
    }
  }
  return null;
}`

const editorLayoutJS = `function() {
  const e = (` + editorLocatorJS + `)();
  return e ? e.layout : '';
}`

const captureXMLJS = `function() {
  const e = (` + editorLocatorJS + `)();
  if (!e) return '';
  const cm = e.doc.querySelector('.CodeMirror');
  if (cm && cm.CodeMirror) return cm.CodeMirror.getValue();
  const lines = e.doc.querySelectorAll('pre.CodeMirror-line');
  return Array.from(lines).map(l => l.textContent).join('\n');
}`

const applyXMLJS = `function(xml) {
  const e = (` + editorLocatorJS + `)();
  if (!e) return false;
  const cm = e.doc.querySelector('.CodeMirror');
  if (cm && cm.CodeMirror) {
    cm.CodeMirror.setValue(xml);
    cm.CodeMirror.refresh();
    return true;
  }
  const ta = e.doc.querySelector('.CodeMirror textarea');
  if (ta) { ta.value = xml; return true; }
  return false;
}`

// openXMLMenuJS opens the toolbar overflow menu inside the author frame.
const openXMLMenuJS = `function() {
  const outer = document.getElementById('WebAuthor-frame');
  const doc = outer && outer.contentDocument ? outer.contentDocument : document;
  const candidates = [
    "div[role='button'][aria-label='More...']",
    "div.goog-toolbar-menu-button"
  ];
  for (const sel of candidates) {
    for (const el of doc.querySelectorAll(sel)) {
      if (el.offsetParent === null) continue;
      el.scrollIntoView({block: 'center'});
      for (const type of ['mousedown', 'mouseup', 'click']) {
        el.dispatchEvent(new MouseEvent(type, {bubbles: true, cancelable: true, view: doc.defaultView}));
      }
      return true;
    }
  }
  return false;
}`

// clickMenuItemJS clicks the first visible menu entry whose text is label.
const clickMenuItemJS = `function(label) {
  const outer = document.getElementById('WebAuthor-frame');
  const doc = outer && outer.contentDocument ? outer.contentDocument : document;
  const items = doc.querySelectorAll("[role='menuitem'], div.goog-menuitem");
  for (const el of items) {
    if ((el.textContent || '').trim() !== label || el.offsetParent === null) continue;
    for (const type of ['mousedown', 'mouseup', 'click']) {
      el.dispatchEvent(new MouseEvent(type, {bubbles: true, cancelable: true, view: doc.defaultView}));
    }
    return true;
  }
  return false;
}`

// call renders fn applied to args as a JavaScript expression.
func call(fn string, args ...any) (string, error) {
	encoded := make([]byte, 0, 64)
	for i, a := range args {
		b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("failed to encode script argument %d: %w", i, err)
		}
		if i > 0 {
			encoded = append(encoded, ',')
		}
		encoded = append(encoded, b...)
	}
	return "(" + fn + ")(" + string(encoded) + ")", nil
}
