package page

const dashboardURL = "https://portal.example.com/dashboard/home"

const dashboardHTML = `<html><body>
<div class="accountItem" data-account='{"accountId":"A1","accountNumber":"1001","amountDue":"42.10","dueDateDisplay":"Jan 5","clientDataFields":"{\"documentKey\":\"DK1\"}"}'>
  <span>Main St</span>
  <a href="/bills/view?acct=1001">View Bill</a>
</div>
<div class="accountItem" data-account='{not json'>
  <a href="/bills/view?acct=bad">View Bill</a>
</div>
<div class="accountItem" data-account='{"accountNumber":"1003","amountDue":0}'>
  <button data-url="bill/1003">View Statement</button>
</div>
<div class="accountItem" data-account='{"accountNumber":"1004"}'>
  <span>No actions here</span>
</div>
</body></html>`

const historyURL = "https://portal.example.com/history"

const historyHTML = `<html><body>
<div class="table-container">
<table id="billHistoryTable">
  <tr><th>Account</th><th>Type</th><th>Date</th><th>Usage</th><th>Status</th><th>Amount</th><th></th></tr>
  <tr><td>123</td><td>Water</td><td>2024-01-01</td><td>10</td><td>Paid</td><td>$10</td>
      <td><a href="/view-external-bill?id=1">View Bill</a></td></tr>
  <tr><td>456</td><td>Water</td><td>2023-12-01</td><td>12</td><td>Paid</td><td>$20</td>
      <td><a href="/view-external-bill?id=2">View Bill</a></td></tr>
</table>
</div>
</body></html>`

const billURL = "https://portal.example.com/bill/9"

const billHTML = `<html><body>
<h1>Water Bill #9</h1>
<iframe src="/docs/bill9.pdf"></iframe>
<a href="/docs/bill9.pdf">Download PDF</a>
<button onclick="window.print()">Print</button>
</body></html>`
